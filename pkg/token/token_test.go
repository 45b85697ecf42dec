package token

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// fixedClock は固定時刻を返す時計を生成する。
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// TestExtractCredential は認証情報の取り出しを検証する。
func TestExtractCredential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		header    http.Header
		want      string
		wantFound bool
	}{
		{
			name:      "Bearer接頭辞を取り除くこと",
			header:    http.Header{"Authorization": {"Bearer abc.def.ghi"}},
			want:      "abc.def.ghi",
			wantFound: true,
		},
		{
			name:      "接頭辞が無い場合は値をそのまま返すこと",
			header:    http.Header{"Authorization": {"abc.def.ghi"}},
			want:      "abc.def.ghi",
			wantFound: true,
		},
		{
			name:      "小文字のbearerは接頭辞として扱わないこと",
			header:    http.Header{"Authorization": {"bearer abc"}},
			want:      "bearer abc",
			wantFound: true,
		},
		{
			name:      "空白が2つの場合は1つ分だけ取り除くこと",
			header:    http.Header{"Authorization": {"Bearer  abc"}},
			want:      " abc",
			wantFound: true,
		},
		{
			name:      "ヘッダー名の大文字小文字を区別しないこと",
			header:    http.Header{"authorization": {"Bearer lower"}},
			want:      "lower",
			wantFound: true,
		},
		{
			name:      "ヘッダーが無い場合はfalseを返すこと",
			header:    http.Header{"X-Other": {"Bearer abc"}},
			want:      "",
			wantFound: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, found := ExtractCredential(tt.header)
			if found != tt.wantFound {
				t.Fatalf("found = %v, want %v", found, tt.wantFound)
			}
			if got != tt.want {
				t.Errorf("credential = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestIssue はトークン発行を検証する。
func TestIssue(t *testing.T) {
	t.Parallel()

	t.Run("シークレットが未設定の場合はErrConfigurationを返すこと", func(t *testing.T) {
		t.Parallel()

		_, err := New("").Issue(IssueClaims{UserID: "user-1"}, time.Hour)
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("err = %v, want %v", err, ErrConfiguration)
		}
	})

	t.Run("ユーザーIDが空の場合はエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		if _, err := New(testSecret).Issue(IssueClaims{}, time.Hour); err == nil {
			t.Error("ユーザーIDが空でもエラーにならなかった")
		}
	})

	t.Run("TTL未指定の場合は24時間後に期限切れとなること", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		a := New(testSecret, WithClock(fixedClock(now)))

		tokenStr, err := a.Issue(IssueClaims{UserID: "user-ttl"}, 0)
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}
		claims, ok := a.Verify(tokenStr)
		if !ok {
			t.Fatal("発行直後のトークンが無効")
		}
		if want := now.Add(24 * time.Hour); !claims.ExpiresAt.Equal(want) {
			t.Errorf("ExpiresAt = %v, want %v", claims.ExpiresAt, want)
		}
		if !claims.IssuedAt.Equal(now) {
			t.Errorf("IssuedAt = %v, want %v", claims.IssuedAt, now)
		}
	})

	t.Run("署名アルゴリズムがHS256であること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := New(testSecret).Issue(IssueClaims{UserID: "user-alg"}, time.Hour)
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}
		parsed, _, err := new(jwt.Parser).ParseUnverified(tokenStr, jwt.MapClaims{})
		if err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		if parsed.Method.Alg() != "HS256" {
			t.Errorf("署名アルゴリズム = %q, want %q", parsed.Method.Alg(), "HS256")
		}
	})
}

// TestVerify はトークン検証を検証する。
func TestVerify(t *testing.T) {
	t.Parallel()

	t.Run("発行したクレームを復元できること", func(t *testing.T) {
		t.Parallel()

		a := New(testSecret)
		tokenStr, err := a.Issue(IssueClaims{
			UserID: "user-123",
			Custom: map[string]any{
				"email": "card@example.com",
				"plan":  "pro",
				"quota": float64(42),
			},
		}, time.Hour)
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		claims, ok := a.Verify(tokenStr)
		if !ok {
			t.Fatal("有効なトークンが無効と判定された")
		}
		if claims.UserID != "user-123" {
			t.Errorf("UserID = %q, want %q", claims.UserID, "user-123")
		}
		if claims.ID == "" {
			t.Error("jtiが設定されていない")
		}
		if got := claims.Custom["email"]; got != "card@example.com" {
			t.Errorf("Custom[email] = %v, want %q", got, "card@example.com")
		}
		if got := claims.Custom["plan"]; got != "pro" {
			t.Errorf("Custom[plan] = %v, want %q", got, "pro")
		}
		if got := claims.Custom["quota"]; got != float64(42) {
			t.Errorf("Custom[quota] = %v, want %v", got, 42)
		}
		if len(claims.Custom) != 3 {
			t.Errorf("len(Custom) = %d, want 3", len(claims.Custom))
		}
	})

	t.Run("予約済みのクレーム名はカスタムクレームで上書きできないこと", func(t *testing.T) {
		t.Parallel()

		a := New(testSecret)
		tokenStr, err := a.Issue(IssueClaims{
			UserID: "real-user",
			Custom: map[string]any{"user_id": "spoofed", "exp": float64(1)},
		}, time.Hour)
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		claims, ok := a.Verify(tokenStr)
		if !ok {
			t.Fatal("有効なトークンが無効と判定された")
		}
		if claims.UserID != "real-user" {
			t.Errorf("UserID = %q, want %q", claims.UserID, "real-user")
		}
		if _, exists := claims.Custom["user_id"]; exists {
			t.Error("予約済みクレームがCustomに含まれている")
		}
	})

	t.Run("整数のカスタムクレームはfloat64として復元されること", func(t *testing.T) {
		t.Parallel()

		a := New(testSecret)
		tokenStr, err := a.Issue(IssueClaims{
			UserID: "user-int",
			Custom: map[string]any{"cards": 42, "tags": []string{"a", "b"}},
		}, time.Hour)
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		claims, ok := a.Verify(tokenStr)
		if !ok {
			t.Fatal("有効なトークンが無効と判定された")
		}
		got, ok := claims.Custom["cards"].(float64)
		if !ok {
			t.Fatalf("Custom[cards]の型 = %T, want float64", claims.Custom["cards"])
		}
		if got != 42 {
			t.Errorf("Custom[cards] = %v, want 42", got)
		}
		tags, ok := claims.Custom["tags"].([]any)
		if !ok || len(tags) != 2 || tags[0] != "a" {
			t.Errorf("Custom[tags] = %#v, want []any{\"a\", \"b\"}", claims.Custom["tags"])
		}
	})

	t.Run("予約済みのクレーム名は全て無視されること", func(t *testing.T) {
		t.Parallel()

		a := New(testSecret)
		custom := map[string]any{"plan": "pro"}
		for _, name := range []string{"iss", "sub", "aud", "nbf", "iat", "jti"} {
			custom[name] = "spoofed"
		}
		tokenStr, err := a.Issue(IssueClaims{UserID: "user-r", Custom: custom}, time.Hour)
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		claims, ok := a.Verify(tokenStr)
		if !ok {
			t.Fatal("有効なトークンが無効と判定された")
		}
		if len(claims.Custom) != 1 || claims.Custom["plan"] != "pro" {
			t.Errorf("Custom = %v, want map[plan:pro]", claims.Custom)
		}
		if claims.ID == "spoofed" {
			t.Error("jtiがカスタムクレームで上書きされた")
		}
	})

	t.Run("有効期限ちょうどのトークンは無効であること", func(t *testing.T) {
		t.Parallel()

		issuedAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		tokenStr, err := New(testSecret, WithClock(fixedClock(issuedAt))).Issue(IssueClaims{UserID: "u"}, time.Hour)
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		for _, at := range []time.Time{issuedAt.Add(time.Hour), issuedAt.Add(2 * time.Hour)} {
			verifier := New(testSecret, WithClock(fixedClock(at)))
			if _, ok := verifier.Verify(tokenStr); ok {
				t.Errorf("時刻 %v で期限切れのトークンが有効と判定された", at)
			}
		}

		verifier := New(testSecret, WithClock(fixedClock(issuedAt.Add(59*time.Minute))))
		if _, ok := verifier.Verify(tokenStr); !ok {
			t.Error("期限内のトークンが無効と判定された")
		}
	})

	t.Run("異なるシークレットで署名されたトークンは無効であること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := New("other-secret").Issue(IssueClaims{UserID: "user-x"}, time.Hour)
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}
		if _, ok := New(testSecret).Verify(tokenStr); ok {
			t.Error("異なるシークレットのトークンが有効と判定された")
		}
	})

	t.Run("VerifyWithSecretで指定したシークレットを使うこと", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := New("rotated-secret").Issue(IssueClaims{UserID: "user-rot"}, time.Hour)
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}
		claims, ok := New(testSecret).VerifyWithSecret(tokenStr, "rotated-secret")
		if !ok {
			t.Fatal("指定シークレットでの検証に失敗")
		}
		if claims.UserID != "user-rot" {
			t.Errorf("UserID = %q, want %q", claims.UserID, "user-rot")
		}
	})

	t.Run("シークレット未設定の場合は無効であること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := New(testSecret).Issue(IssueClaims{UserID: "user-y"}, time.Hour)
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}
		if _, ok := New("").Verify(tokenStr); ok {
			t.Error("シークレット未設定で有効と判定された")
		}
	})

	t.Run("改ざん・切り詰め・形式不正のトークンは無効であること", func(t *testing.T) {
		t.Parallel()

		a := New(testSecret)
		tokenStr, err := a.Issue(IssueClaims{UserID: "user-z"}, time.Hour)
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}
		parts := strings.Split(tokenStr, ".")
		forged, err := New(testSecret).Issue(IssueClaims{UserID: "admin"}, time.Hour)
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}
		forgedPayload := strings.Split(forged, ".")[1]

		candidates := map[string]string{
			"空文字列":      "",
			"ランダム文字列":   "not-a-token",
			"末尾切り詰め":    tokenStr[:len(tokenStr)-4],
			"署名なし":      parts[0] + "." + parts[1] + ".",
			"ペイロード差し替え": parts[0] + "." + forgedPayload + "." + parts[2],
			"セグメント不足":   parts[0] + "." + parts[1],
		}
		for name, candidate := range candidates {
			if _, ok := a.Verify(candidate); ok {
				t.Errorf("%s のトークンが有効と判定された", name)
			}
		}
	})

	t.Run("HS256以外のアルゴリズムで署名されたトークンは無効であること", func(t *testing.T) {
		t.Parallel()

		now := time.Now()
		tok := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
			"user_id": "user-512",
			"iss":     issuer,
			"iat":     jwt.NewNumericDate(now),
			"exp":     jwt.NewNumericDate(now.Add(time.Hour)),
		})
		tokenStr, err := tok.SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("トークンの署名に失敗: %v", err)
		}
		if _, ok := New(testSecret).Verify(tokenStr); ok {
			t.Error("HS512のトークンが有効と判定された")
		}
	})

	t.Run("user_idクレームが無いトークンは無効であること", func(t *testing.T) {
		t.Parallel()

		now := time.Now()
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iss": issuer,
			"iat": jwt.NewNumericDate(now),
			"exp": jwt.NewNumericDate(now.Add(time.Hour)),
		})
		tokenStr, err := tok.SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("トークンの署名に失敗: %v", err)
		}
		if _, ok := New(testSecret).Verify(tokenStr); ok {
			t.Error("user_idの無いトークンが有効と判定された")
		}
	})

	t.Run("expクレームが無いトークンは無効であること", func(t *testing.T) {
		t.Parallel()

		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"user_id": "user-noexp",
			"iss":     issuer,
			"iat":     jwt.NewNumericDate(time.Now()),
		})
		tokenStr, err := tok.SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("トークンの署名に失敗: %v", err)
		}
		if _, ok := New(testSecret).Verify(tokenStr); ok {
			t.Error("expの無いトークンが有効と判定された")
		}
	})
}

// TestRequireAuth はRequireAuthを検証する。
func TestRequireAuth(t *testing.T) {
	t.Parallel()

	a := New(testSecret)
	valid, err := a.Issue(IssueClaims{UserID: "user-req"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue()でエラーが発生: %v", err)
	}

	t.Run("有効なBearerトークンでクレームを返すこと", func(t *testing.T) {
		t.Parallel()

		h := http.Header{}
		h.Set("Authorization", "Bearer "+valid)
		claims, err := a.RequireAuth(h)
		if err != nil {
			t.Fatalf("RequireAuth()でエラーが発生: %v", err)
		}
		if claims.UserID != "user-req" {
			t.Errorf("UserID = %q, want %q", claims.UserID, "user-req")
		}
	})

	t.Run("接頭辞なしのトークンも受け入れること", func(t *testing.T) {
		t.Parallel()

		h := http.Header{}
		h.Set("Authorization", valid)
		if _, err := a.RequireAuth(h); err != nil {
			t.Errorf("RequireAuth()でエラーが発生: %v", err)
		}
	})

	t.Run("ヘッダーが無い場合はErrAuthenticationRequiredを返すこと", func(t *testing.T) {
		t.Parallel()

		_, err := a.RequireAuth(http.Header{})
		if !errors.Is(err, ErrAuthenticationRequired) {
			t.Errorf("err = %v, want %v", err, ErrAuthenticationRequired)
		}
	})

	t.Run("無効なトークンの場合はErrAuthenticationRequiredを返すこと", func(t *testing.T) {
		t.Parallel()

		h := http.Header{}
		h.Set("Authorization", "Bearer invalid")
		_, err := a.RequireAuth(h)
		if !errors.Is(err, ErrAuthenticationRequired) {
			t.Errorf("err = %v, want %v", err, ErrAuthenticationRequired)
		}
	})

	t.Run("シークレット未設定の場合はErrConfigurationを返すこと", func(t *testing.T) {
		t.Parallel()

		h := http.Header{}
		h.Set("Authorization", "Bearer "+valid)
		_, err := New("").RequireAuth(h)
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("err = %v, want %v", err, ErrConfiguration)
		}
	})
}
