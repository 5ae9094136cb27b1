package packed

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var vectors = []struct {
	name     string
	unpacked []byte
	packed   []byte
}{
	{
		name: "empty",
	},
	{
		name:     "zero word",
		unpacked: make([]byte, 8),
		packed:   []byte{0x00, 0x00},
	},
	{
		name:     "zero run",
		unpacked: make([]byte, 8*4),
		packed:   []byte{0x00, 0x03},
	},
	{
		name: "sparse words",
		unpacked: []byte{
			0x08, 0x00, 0x00, 0x00, 0x03, 0x00, 0x02, 0x00,
			0x19, 0x00, 0x00, 0x00, 0xaa, 0x01, 0x00, 0x00,
		},
		packed: []byte{0x51, 0x08, 0x03, 0x02, 0x31, 0x19, 0xaa, 0x01},
	},
	{
		name:     "dense word",
		unpacked: []byte{1, 2, 3, 4, 5, 6, 7, 8},
		packed:   []byte{0xff, 1, 2, 3, 4, 5, 6, 7, 8, 0x00},
	},
	{
		name: "raw run",
		unpacked: []byte{
			1, 2, 3, 4, 5, 6, 7, 8,
			1, 2, 3, 4, 5, 6, 7, 0,
			0, 0, 1, 0, 2, 0, 3, 1,
		},
		packed: []byte{
			0xff, 1, 2, 3, 4, 5, 6, 7, 8,
			0x01, 1, 2, 3, 4, 5, 6, 7, 0,
			0xd4, 1, 2, 3, 1,
		},
	},
}

func TestPack(t *testing.T) {
	for _, v := range vectors {
		t.Run(v.name, func(t *testing.T) {
			requireT := require.New(t)

			packed := Pack(nil, v.unpacked)
			requireT.Empty(cmp.Diff(v.packed, packed))

			unpacked, err := Unpack(nil, packed)
			requireT.NoError(err)
			requireT.Len(unpacked, len(v.unpacked))
			requireT.Empty(cmp.Diff(v.unpacked, unpacked[:len(v.unpacked)]))
		})
	}
}

func TestPackLongZeroRun(t *testing.T) {
	requireT := require.New(t)

	src := make([]byte, 8*300)
	packed := Pack(nil, src)
	requireT.Equal([]byte{0x00, 0xff, 0x00, 0x2b}, packed)

	unpacked, err := Unpack(nil, packed)
	requireT.NoError(err)
	requireT.Equal(src, unpacked)
}

func TestUnpackTruncated(t *testing.T) {
	for _, in := range [][]byte{
		{0x01},
		{0x00},
		{0xff, 1, 2, 3, 4, 5, 6, 7, 8},
		{0xff, 1, 2, 3, 4, 5, 6, 7, 8, 0x02, 1, 2, 3, 4, 5, 6, 7, 8},
	} {
		_, err := Unpack(nil, in)
		require.ErrorIs(t, err, ErrTruncated)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	requireT := require.New(t)

	rnd := rand.New(rand.NewSource(1))
	src := make([]byte, 8*1000)
	for i := range src {
		// Mix of zero, sparse and dense words.
		switch (i / 64) % 3 {
		case 0:
		case 1:
			if rnd.Intn(4) == 0 {
				src[i] = byte(rnd.Intn(256))
			}
		default:
			src[i] = byte(rnd.Intn(255) + 1)
		}
	}

	buf := &bytes.Buffer{}
	w := NewWriter(buf)
	for rest := src; len(rest) > 0; {
		n := min(len(rest), rnd.Intn(50)+1)
		_, err := w.Write(rest[:n])
		requireT.NoError(err)
		rest = rest[n:]
	}
	requireT.NoError(w.Flush())

	unpacked, err := Unpack(nil, buf.Bytes())
	requireT.NoError(err)
	requireT.Empty(cmp.Diff(src, unpacked))

	got, err := io.ReadAll(NewReader(bytes.NewReader(buf.Bytes())))
	requireT.NoError(err)
	requireT.Empty(cmp.Diff(src, got))
}

func TestReaderTruncated(t *testing.T) {
	_, err := io.ReadAll(NewReader(bytes.NewReader([]byte{0xff, 1, 2, 3})))
	require.True(t, errors.Is(err, ErrTruncated))
}

func FuzzUnpack(f *testing.F) {
	for _, v := range vectors {
		f.Add(v.packed)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		unpacked, err := Unpack(nil, data)
		if err != nil {
			return
		}
		require.Zero(t, len(unpacked)%8)

		again, err := Unpack(nil, Pack(nil, unpacked))
		require.NoError(t, err)
		require.Equal(t, unpacked, again)
	})
}

func FuzzPack(f *testing.F) {
	for _, v := range vectors {
		f.Add(v.unpacked)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		data = data[:len(data)/8*8]
		unpacked, err := Unpack(nil, Pack(nil, data))
		require.NoError(t, err)
		require.Equal(t, len(data), len(unpacked))
		require.True(t, bytes.Equal(data, unpacked))
	})
}
