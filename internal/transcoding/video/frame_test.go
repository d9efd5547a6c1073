package video

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSurface struct {
	props     Props
	data      []byte
	downloads int
	err       error
}

func (s *fakeSurface) Props() Props { return s.props }

func (s *fakeSurface) Download() ([]byte, error) {
	s.downloads++
	if s.err != nil {
		return nil, s.err
	}
	return append([]byte(nil), s.data...), nil
}

type fakeFramesContext struct{ uploads int }

func (c *fakeFramesContext) Upload(f *Frame) (Surface, error) {
	c.uploads++
	return &fakeSurface{props: f.Props, data: f.Data}, nil
}

func TestDownloadToCPU(t *testing.T) {
	props := Props{Width: 1080, Height: 2400, Format: "NV12", PTS: 40 * time.Millisecond, KeyFrame: true}
	s := &fakeSurface{props: props, data: []byte{1, 2, 3}}
	fb := Hardware(s)
	require.True(t, fb.IsHardware())
	assert.Nil(t, fb.Frame())

	require.NoError(t, fb.DownloadToCPU())
	assert.False(t, fb.IsHardware())
	require.NotNil(t, fb.Frame())
	assert.Equal(t, props, fb.Frame().Props, "metadata is copied to the host frame")
	assert.Equal(t, []byte{1, 2, 3}, fb.Frame().Data)

	first := *fb.Frame()
	require.NoError(t, fb.DownloadToCPU())
	assert.Equal(t, first, *fb.Frame(), "second download is a no-op")
	assert.Equal(t, 1, s.downloads)
}

func TestDownloadToCPUError(t *testing.T) {
	cause := errors.New("device lost")
	fb := Hardware(&fakeSurface{err: cause})

	err := fb.DownloadToCPU()
	assert.ErrorIs(t, err, cause)
	assert.True(t, fb.IsHardware(), "failed transfer keeps the surface")
}

func TestUploadTo(t *testing.T) {
	fb := Software(&Frame{Props: Props{Width: 2, Height: 2}, Data: []byte{9}})

	assert.ErrorIs(t, fb.UploadTo(nil), ErrFramesContextMissing)
	assert.False(t, fb.IsHardware())

	ctx := &fakeFramesContext{}
	require.NoError(t, fb.UploadTo(ctx))
	assert.True(t, fb.IsHardware())
	assert.Equal(t, 2, fb.Props().Width)

	require.NoError(t, fb.UploadTo(ctx))
	assert.Equal(t, 1, ctx.uploads, "hardware frames are not uploaded again")
	assert.NoError(t, fb.UploadTo(nil))
}

func TestParseCodec(t *testing.T) {
	tests := []struct {
		in      string
		want    Codec
		wantErr bool
	}{
		{in: "h264", want: CodecH264},
		{in: "AVC", want: CodecH264},
		{in: "hevc", want: CodecH265},
		{in: " h265", want: CodecH265},
		{in: "av1", want: CodecAV1},
		{in: "vp9", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCodec(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
