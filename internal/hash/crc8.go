package hash

// crc8Poly is the CRC-8/SMBUS polynomial x^8 + x^2 + x + 1.
const crc8Poly = 0x07

var crc8Table = makeCRC8Table(crc8Poly)

func makeCRC8Table(poly byte) [256]byte {
	var t [256]byte
	for i := range t {
		crc := byte(i)
		for range 8 {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}

// CRC8 computes the 8-bit CRC used as the settings record key hash.
func CRC8(data []byte) uint8 {
	var crc byte
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc
}
