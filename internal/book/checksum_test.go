package book

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanNum(t *testing.T) {
	cases := map[string]string{
		"45285.2":    "452852",
		"0.00100000": "100000",
		"0.10000000": "10000000",
		"1.54571953": "154571953",
		"105906.7":   "1059067",
		"0.0":        "0",
		"10":         "10", // only leading zeros are stripped
	}
	for in, want := range cases {
		assert.Equal(t, want, cleanNum(in), "cleanNum(%q)", in)
	}
}

// Snapshot published by the venue with exactly ten levels per side.
func TestChecksumTenLevelBook(t *testing.T) {
	asks := [][2]string{
		{"45285.2", "0.00100000"},
		{"45286.4", "1.54571953"},
		{"45286.6", "1.54571109"},
		{"45289.6", "1.54560911"},
		{"45290.2", "0.15890660"},
		{"45291.8", "1.54553491"},
		{"45294.7", "0.04454749"},
		{"45296.1", "0.35380000"},
		{"45297.5", "0.09945542"},
		{"45299.5", "0.18772827"},
	}
	bids := [][2]string{
		{"45283.5", "0.10000000"},
		{"45283.4", "1.54582015"},
		{"45282.1", "0.10000000"},
		{"45281.0", "0.10000000"},
		{"45280.3", "1.54592586"},
		{"45279.0", "0.07990000"},
		{"45277.6", "0.03310103"},
		{"45277.5", "0.30000000"},
		{"45277.3", "1.54602737"},
		{"45276.6", "0.15445238"},
	}
	b := New()
	require.NoError(t, b.LoadSnapshot(bids, asks, 1))
	assert.Equal(t, uint32(3310070434), b.Checksum())
}

// A depth-25 subscription still checksums only the top ten per side.
func TestChecksumTruncatesToTopTen(t *testing.T) {
	bids := [][2]string{
		{"105906.7", "0.09440620"}, {"105901.7", "0.02297789"},
		{"105901.6", "0.09441075"}, {"105901.4", "0.02400000"},
		{"105897.8", "0.01980353"}, {"105897.6", "0.01877140"},
		{"105894.1", "0.00590000"}, {"105894.0", "0.06080500"},
		{"105892.9", "0.05700000"}, {"105889.1", "0.00630000"},
		{"105888.7", "0.05665135"}, {"105888.1", "0.13300000"},
		{"105887.4", "0.04700000"}, {"105887.3", "0.04300000"},
		{"105886.7", "0.14160549"}, {"105885.9", "0.01844747"},
		{"105885.6", "0.54379100"}, {"105879.5", "0.28806464"},
		{"105876.7", "0.14164938"}, {"105875.9", "0.04300000"},
		{"105875.2", "0.63442300"}, {"105871.6", "0.10427740"},
		{"105868.3", "0.02821348"}, {"105865.3", "0.04300000"},
		{"105864.7", "0.81568600"},
	}
	asks := [][2]string{
		{"105906.8", "0.05665135"}, {"105910.0", "0.70000000"},
		{"105910.6", "0.06080300"}, {"105911.3", "0.28682600"},
		{"105915.8", "0.00061514"}, {"105916.6", "0.09439743"},
		{"105918.9", "0.54378900"}, {"105921.1", "0.09439338"},
		{"105925.8", "0.04300000"}, {"105926.0", "0.09438908"},
		{"105927.7", "0.02821348"}, {"105930.1", "0.00700000"},
		{"105933.5", "0.00920000"}, {"105934.5", "0.00297419"},
		{"105935.3", "0.05700000"}, {"105937.1", "0.00090000"},
		{"105937.2", "0.19500000"}, {"105937.6", "0.05727740"},
		{"105938.1", "0.04300000"}, {"105941.7", "0.00943915"},
		{"105943.3", "0.63448600"}, {"105944.5", "0.86664740"},
		{"105944.6", "0.14155866"}, {"105944.9", "0.02831660"},
		{"105948.7", "0.04300000"},
	}
	b := New()
	require.NoError(t, b.LoadSnapshot(bids, asks, 1))
	assert.Equal(t, uint32(4162058887), b.Checksum())
}

func TestChecksumChangesWithBook(t *testing.T) {
	b := New()
	require.NoError(t, b.LoadSnapshot(
		[][2]string{{"100.1", "1.00000000"}},
		[][2]string{{"100.2", "1.00000000"}},
		1,
	))
	before := b.Checksum()
	require.NoError(t, b.Apply(Ask, "100.2", "2.00000000"))
	assert.NotEqual(t, before, b.Checksum())
}
