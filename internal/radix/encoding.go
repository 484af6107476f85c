package radix

import "encoding/binary"

func getUint16(buf []byte, off int64) uint16 { return binary.LittleEndian.Uint16(buf[off : off+2]) }
func putUint16(buf []byte, off int64, v uint16) {
	binary.LittleEndian.PutUint16(buf[off:off+2], v)
}

func getUint32(buf []byte, off int64) uint32 { return binary.LittleEndian.Uint32(buf[off : off+4]) }
func putUint32(buf []byte, off int64, v uint32) {
	binary.LittleEndian.PutUint32(buf[off:off+4], v)
}

func getUint64(buf []byte, off int64) uint64 { return binary.LittleEndian.Uint64(buf[off : off+8]) }
func putUint64(buf []byte, off int64, v uint64) {
	binary.LittleEndian.PutUint64(buf[off:off+8], v)
}
