package revdb

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

func encodeMsgpack(buf []byte, v any) []byte {
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.ResetDict(&bb, nil)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		panic(fmt.Errorf("failed to encode %T using MsgPack: %w", v, err))
	}
	return bb.Buf
}

func decodeMsgpack(buf []byte, v any) error {
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	err := dec.Decode(v)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(buf, 0, err, "failed to decode msgpack into %T", v)
	}
	return nil
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
)

func initZstd() {
	zstdOnce.Do(func() {
		zstdEnc = must(zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)))
		zstdDec = must(zstd.NewReader(nil))
	})
}

func compressZstd(dst, src []byte) []byte {
	initZstd()
	return zstdEnc.EncodeAll(src, dst)
}

func decompressZstd(src []byte) ([]byte, error) {
	initZstd()
	out, err := zstdDec.DecodeAll(src, nil)
	if err != nil {
		return nil, dataErrf(src, 0, err, "failed to decompress record")
	}
	return out, nil
}
