package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveReader_EnvFunction(t *testing.T) {
	t.Setenv("TEST_REFRESH", "secret123")

	input := `{"dropbox": {"refresh_token": {{ env "TEST_REFRESH" | json }}}}`
	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.NotNil(t, creds.Dropbox)
	require.Equal(t, "secret123", creds.Dropbox.RefreshToken)
}

func TestResolveReader_EnvFunctionMissing(t *testing.T) {
	input := `{"dropbox": {"refresh_token": {{ env "NONEXISTENT_VAR_XYZ" | json }}}}`
	_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "NONEXISTENT_VAR_XYZ")
}

func TestResolveReader_EnvDefault(t *testing.T) {
	t.Setenv("TEST_VAR", "actual")

	input := `{"imgbb": {"api_key": {{ envDefault "NONEXISTENT_VAR_XYZ" "fallback" | json }}},
	"dropbox": {"app_key": {{ envDefault "TEST_VAR" "fallback" | json }}}}`
	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "fallback", creds.ImgBB.APIKey)
	require.Equal(t, "actual", creds.Dropbox.AppKey)
}

func TestResolveReader_FileFunction(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(tmpFile, []byte("file-secret\n"), 0o600))

	input := `{"dropbox": {"app_secret": {{ file "` + tmpFile + `" | json }}}}`
	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "file-secret", creds.Dropbox.AppSecret)
}

func TestResolveReader_JSONEscaping(t *testing.T) {
	t.Setenv("TEST_SPECIAL", `value with "quotes" and \backslash`)

	input := `{"imgbb": {"api_key": {{ env "TEST_SPECIAL" | json }}}}`
	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, `value with "quotes" and \backslash`, creds.ImgBB.APIKey)
}

func TestResolveReader_YAMLDocument(t *testing.T) {
	t.Setenv("DBX_SECRET", "s3cr3t: with colon")

	input := `
dropbox:
  app_key: key123
  app_secret: {{ env "DBX_SECRET" | json }}
  refresh_token: refresh-abc
imgbb:
  api_key: img-key
`
	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "key123", creds.Dropbox.AppKey)
	require.Equal(t, "s3cr3t: with colon", creds.Dropbox.AppSecret)
	require.Equal(t, "refresh-abc", creds.Dropbox.RefreshToken)
	require.Equal(t, "img-key", creds.ImgBB.APIKey)
	require.NoError(t, creds.Validate())
}

func TestResolveReader_ProviderMemoization(t *testing.T) {
	callCount := 0
	mockProvider := func(_ context.Context, ref string) (string, error) {
		callCount++
		return "resolved-" + ref, nil
	}

	input := `{
		"dropbox": {"app_secret": {{ mock "same-ref" | json }}},
		"imgbb": {"api_key": {{ mock "same-ref" | json }}}
	}`
	r := NewResolver(WithProvider("mock", mockProvider))
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "resolved-same-ref", creds.Dropbox.AppSecret)
	require.Equal(t, "resolved-same-ref", creds.ImgBB.APIKey)
	require.Equal(t, 1, callCount, "provider should only be called once due to memoization")
}

func TestResolveReader_ProviderError(t *testing.T) {
	failing := func(_ context.Context, _ string) (string, error) {
		return "", errors.New("vault sealed")
	}

	input := `{"dropbox": {"app_secret": {{ vault "x" | json }}}}`
	_, err := NewResolver(WithProvider("vault", failing)).ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), `provider "vault" failed`)
	require.Contains(t, err.Error(), "vault sealed")
}

func TestResolveReader_MissingKeyError(t *testing.T) {
	input := `{"dropbox": {{ .UndefinedKey }}}`
	_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "executing credentials template")
}

func TestResolveReader_InvalidDocument(t *testing.T) {
	input := `dropbox: [unterminated`
	_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid credentials document after template execution")
}

func TestResolveReader_EmptyInput(t *testing.T) {
	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(`{}`))
	require.NoError(t, err)
	require.Nil(t, creds.Dropbox)
	require.Nil(t, creds.ImgBB)
	require.ErrorIs(t, creds.Validate(), ErrMissingCredentials)
}

func TestResolveReader_OversizedInput(t *testing.T) {
	input := strings.Repeat("x", maxInputSize+1)
	_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds maximum size")
}

func TestResolveFile(t *testing.T) {
	t.Setenv("TEST_TOKEN", "from-file")

	tmpFile := filepath.Join(t.TempDir(), "creds.yaml.tmpl")
	err := os.WriteFile(tmpFile, []byte(`{"dropbox": {"access_token": {{ env "TEST_TOKEN" | json }}}}`), 0o600)
	require.NoError(t, err)

	creds, err := NewResolver().ResolveFile(context.Background(), tmpFile)
	require.NoError(t, err)
	require.Equal(t, "from-file", creds.Dropbox.AccessToken)
}

func TestResolveFile_NotFound(t *testing.T) {
	_, err := NewResolver().ResolveFile(context.Background(), "/nonexistent/path")
	require.Error(t, err)
	require.Contains(t, err.Error(), "opening credentials file")
}

func TestCredentials_Validate(t *testing.T) {
	tests := []struct {
		name    string
		creds   Credentials
		wantErr bool
	}{
		{name: "no dropbox", creds: Credentials{ImgBB: &ImgBBCredentials{APIKey: "k"}}, wantErr: true},
		{name: "refresh set", creds: Credentials{Dropbox: &DropboxCredentials{AppKey: "a", AppSecret: "b", RefreshToken: "c"}}},
		{name: "access token only", creds: Credentials{Dropbox: &DropboxCredentials{AccessToken: "t"}}},
		{name: "refresh without secret", creds: Credentials{Dropbox: &DropboxCredentials{AppKey: "a", RefreshToken: "c"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMissingCredentials)
				return
			}
			require.NoError(t, err)
		})
	}
}
