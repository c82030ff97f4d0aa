package book

import (
	"hash/crc32"
	"strings"
)

// checksumDepth is the number of levels per side that participate in the
// venue checksum, independent of the subscribed book depth.
const checksumDepth = 10

// Checksum computes the CRC32 Kraken publishes with every book update:
// the top ten asks ascending then the top ten bids descending, each level
// contributing its cleaned price followed by its cleaned quantity.
func (b *Book) Checksum() uint32 {
	var sb strings.Builder
	asks := sortedPrices(b.asks, true)
	if len(asks) > checksumDepth {
		asks = asks[:checksumDepth]
	}
	for _, price := range asks {
		sb.WriteString(cleanNum(price))
		sb.WriteString(cleanNum(b.asks[price]))
	}
	bids := sortedPrices(b.bids, false)
	if len(bids) > checksumDepth {
		bids = bids[:checksumDepth]
	}
	for _, price := range bids {
		sb.WriteString(cleanNum(price))
		sb.WriteString(cleanNum(b.bids[price]))
	}
	return crc32.ChecksumIEEE([]byte(sb.String()))
}

// cleanNum strips the decimal point and leading zeros from wire-text
// numbers, per the venue's checksum rule. "0.00100000" becomes "100000".
func cleanNum(s string) string {
	s = strings.ReplaceAll(s, ".", "")
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}
