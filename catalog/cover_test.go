package catalog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoverInputExt(t *testing.T) {
	tests := []struct {
		name string
		in   CoverInput
		want string
	}{
		{name: "declared type", in: CoverInput{ContentType: "image/png", Name: "x.gif"}, want: "png"},
		{name: "type with params", in: CoverInput{ContentType: "image/webp; q=1"}, want: "webp"},
		{name: "name suffix", in: CoverInput{ContentType: "application/octet-stream", Name: "Cover.JPEG"}, want: "jpeg"},
		{name: "unknown suffix", in: CoverInput{Name: "cover.exe"}, want: "jpg"},
		{name: "nothing", in: CoverInput{}, want: "jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.in.ext())
		})
	}
}

func TestDataURLRoundTrip(t *testing.T) {
	u := encodeDataURL("image/png", pngBytes)
	require.Contains(t, u, "data:image/png;base64,")

	in, err := decodeDataURL(u)
	require.NoError(t, err)
	require.Equal(t, pngBytes, in.Data)
	require.Equal(t, "image/png", in.ContentType)
	require.Equal(t, "png", in.ext())
}

func TestDecodeDataURL(t *testing.T) {
	in, err := decodeDataURL("aGVsbG8")
	require.NoError(t, err, "unpadded base64 accepted")
	require.Equal(t, []byte("hello"), in.Data)

	_, err = decodeDataURL("data:image/png,rawtext")
	require.Error(t, err)

	_, err = decodeDataURL("data:image/png;base64")
	require.Error(t, err)

	_, err = decodeDataURL("")
	require.ErrorIs(t, err, errEmptyCover)
}

func TestCoverFromDataURL(t *testing.T) {
	in, err := CoverFromDataURL("data:image/webp;base64,UklGRg==")
	require.NoError(t, err)
	require.Equal(t, "webp", in.ext())
	require.Equal(t, []byte("RIFF"), in.Data)

	_, err = CoverFromDataURL("data:image/png,plain")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "cover", verr.Field)
}

func TestParseCoverMode(t *testing.T) {
	m, err := ParseCoverMode("")
	require.NoError(t, err)
	require.Equal(t, CoverModeBlob, m)

	m, err = ParseCoverMode(" ImageHost ")
	require.NoError(t, err)
	require.Equal(t, CoverModeImageHost, m)

	_, err = ParseCoverMode("s3")
	require.Error(t, err)
}

func TestAudioContentType(t *testing.T) {
	require.Equal(t, "audio/mpeg", AudioContentType("/songs/x_intro.mp3"))
	require.Equal(t, "audio/flac", AudioContentType("/songs/x.FLAC"))
	require.Equal(t, "application/octet-stream", AudioContentType("/songs/x"))
}
