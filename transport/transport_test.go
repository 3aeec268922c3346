package transport

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	f := Frame{Type: FramePaged, ChunkCount: 3, ChunkNumber: 1, Payload: []byte("hello")}
	got, err := DecodeFrame(EncodeFrame(f))
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestDecodeFrameRejectsShortInput(t *testing.T) {
	_, err := DecodeFrame([]byte("short"))
	require.ErrorIs(t, err, ErrFrameTooShort)
}

func TestDecodeFrameRejectsUnknownType(t *testing.T) {
	data := EncodeFrame(Frame{Type: FrameSingle, Payload: []byte("x")})
	data[len(data)-trailerLen] = 9
	_, err := DecodeFrame(data)
	require.ErrorIs(t, err, ErrUnknownFrameType)
}

func TestChunkFramesFitsInOne(t *testing.T) {
	frames := ChunkFrames([]byte("short"), 1024)
	require.Len(t, frames, 1)
	require.Equal(t, FrameSingle, frames[0].Type)
}

func TestChunkAndReassembleRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 100)
	frames := ChunkFrames(payload, 17)
	require.Greater(t, len(frames), 1)
	require.Equal(t, FramePaged, frames[0].Type)

	var r Reassembler
	var out []byte
	var done bool
	var err error
	for _, f := range frames {
		out, done, err = r.Feed(f)
		require.NoError(t, err)
	}
	require.True(t, done)
	require.Equal(t, payload, out)
}

func TestReassemblerRejectsOutOfOrder(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 40)
	frames := ChunkFrames(payload, 10)
	var r Reassembler
	_, _, err := r.Feed(frames[0])
	require.NoError(t, err)
	_, _, err = r.Feed(frames[2])
	require.ErrorIs(t, err, ErrOutOfOrderChunk)
}

func TestSingleRejectsConcurrentCall(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	inner := InProcess{Handler: func(ctx context.Context, name string, body []byte) ([]byte, error) {
		close(entered)
		<-release
		return body, nil
	}}
	s := NewSingle(inner)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "app", []byte("first"))
		errc <- err
	}()
	<-entered

	_, err := s.Call(context.Background(), "app", []byte("second"))
	require.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-errc)
}

func TestNetworkedRoundTripsThroughServer(t *testing.T) {
	handler := func(ctx context.Context, name string, body []byte) ([]byte, error) {
		out := append([]byte(name+":"), body...)
		return out, nil
	}
	server := NewServer(handler)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	client := NewNetworked(ts.URL, ts.Client())
	resp, err := client.Call(context.Background(), "status", []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, "status:ping", string(resp))
}

func TestNetworkedReassemblesPagedResponse(t *testing.T) {
	large := bytes.Repeat([]byte("0123456789"), 10)
	handler := func(ctx context.Context, name string, body []byte) ([]byte, error) {
		return large, nil
	}
	server := NewServer(handler)
	server.MaxFramePayload = 17
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	client := NewNetworked(ts.URL, ts.Client())
	got, err := client.Call(context.Background(), "app", []byte("req"))
	require.NoError(t, err)
	require.Equal(t, large, got)
}
