package kpserver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEscapeUserIDEscapesASCIIMetacharacters(t *testing.T) {
	got := escapeUserID(`<a href="x">'/'</a> & co`)
	require.Equal(t, `&lt;a href=&quot;x&quot;&gt;&#x27;&#x2F;&#x27;&lt;&#x2F;a&gt; &amp; co`, got)
}

func TestEscapeUserIDPassesThroughPlainASCII(t *testing.T) {
	require.Equal(t, "alice@example.com", escapeUserID("alice@example.com"))
}

func TestEscapeUserIDEscapesMultiByteUTF8(t *testing.T) {
	// U+00E9 (e acute) is a 2-byte UTF-8 sequence.
	got := escapeUserID("café")
	require.Equal(t, "caf&#xE9;", got)
}

func TestEscapeUserIDTruncatesAtInvalidUTF8(t *testing.T) {
	// 0xC0 starts a 2-byte sequence but is followed by an ASCII byte,
	// which is not a valid continuation byte.
	got := escapeUserID("ok\xC0Z")
	require.Equal(t, "ok", got)
}

func TestEscapeUserIDTruncatesAtTruncatedMultiByteSequence(t *testing.T) {
	// 0xE2 starts a 3-byte sequence but the string ends after one byte.
	got := escapeUserID("ok\xE2")
	require.Equal(t, "ok", got)
}
