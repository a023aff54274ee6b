package authverify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaymta/relaymta/internal/stagectx"
)

func TestCreateHeaderWithNoVerifiersIsNone(t *testing.T) {
	h := CreateHeader(HeaderInputs{ServerID: "mx.relaymta.test"})
	assert.Equal(t, "mx.relaymta.test; none", h)
}

func TestCreateHeaderIncludesDMARCSection(t *testing.T) {
	h := CreateHeader(HeaderInputs{
		ServerID: "mx.relaymta.test",
		DMARC:    &stagectx.DMARCResult{Value: stagectx.ValuePass, From: "a.test"},
	})
	assert.Contains(t, h, "dmarc=pass header.from=a.test")
}

func TestCreateHeaderIncludesOneSectionPerDKIMResult(t *testing.T) {
	h := CreateHeader(HeaderInputs{
		ServerID: "mx.relaymta.test",
		DKIM: []VerifyResult{
			{DKIMResult: stagectx.DKIMResult{Value: stagectx.ValuePermError, SDID: "a.test", Selector: "s1"}},
		},
	})
	assert.Contains(t, h, "dkim=permerror header.d=a.test")
	assert.Contains(t, h, "header.s=s1")
}
