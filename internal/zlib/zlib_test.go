package zlib

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// compressStream compresses msgs as one zlib stream, sync flushing after each
// message. It returns the compressed frame of every message.
func compressStream(t *testing.T, msgs []string) [][]byte {
	t.Helper()

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)

	frames := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		_, err := w.Write([]byte(msg))
		require.NoError(t, err)
		require.NoError(t, w.Flush())

		frame := make([]byte, buf.Len())
		copy(frame, buf.Bytes())
		buf.Reset()

		frames = append(frames, frame)
	}

	return frames
}

func testMessages() []string {
	msgs := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		msgs = append(msgs, fmt.Sprintf(
			`{"op":0,"s":%d,"t":"MESSAGE_CREATE","d":{"id":"%d","content":"hello number %d"}}`,
			i+1, 1000+i, i,
		))
	}
	return msgs
}

func TestInflatorWholeFrames(t *testing.T) {
	msgs := testMessages()
	frames := compressStream(t, msgs)

	inf := NewInflator()
	defer inf.Close()

	for i, frame := range frames {
		_, err := inf.Write(frame)
		require.NoError(t, err)
		require.True(t, inf.CanFlush(), "frame %d has no suffix", i)

		out, err := inf.Flush()
		require.NoError(t, err)
		assert.Equal(t, msgs[i], string(out))
	}
}

func TestInflatorArbitraryChunks(t *testing.T) {
	msgs := testMessages()
	frames := compressStream(t, msgs)
	stream := bytes.Join(frames, nil)

	var want bytes.Buffer
	for _, msg := range msgs {
		want.WriteString(msg)
	}

	for _, size := range []int{1, 2, 3, 7, 16, 61, len(stream)} {
		t.Run(fmt.Sprintf("chunk_%d", size), func(t *testing.T) {
			inf := NewInflator()
			defer inf.Close()

			var got bytes.Buffer
			for off := 0; off < len(stream); off += size {
				end := off + size
				if end > len(stream) {
					end = len(stream)
				}

				inf.Write(stream[off:end])
				if !inf.CanFlush() {
					continue
				}

				out, err := inf.Flush()
				require.NoError(t, err)
				got.Write(out)
			}

			assert.False(t, inf.CanFlush())
			assert.Equal(t, want.String(), got.String())
		})
	}
}

func TestInflatorPartial(t *testing.T) {
	frames := compressStream(t, []string{`{"op":11}`})

	inf := NewInflator()
	defer inf.Close()

	half := frames[0][:len(frames[0])-2]
	inf.Write(half)

	_, err := inf.Flush()
	assert.ErrorIs(t, err, ErrPartial)

	inf.Write(frames[0][len(half):])
	out, err := inf.Flush()
	require.NoError(t, err)
	assert.Equal(t, `{"op":11}`, string(out))
}

func TestInflatorCorrupt(t *testing.T) {
	inf := NewInflator()
	defer inf.Close()

	inf.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00, 0xff, 0xff})
	_, err := inf.Flush()
	assert.Error(t, err)
}
