package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/migadu/sievemgr/protocol"
)

func TestPrintCapabilities(t *testing.T) {
	var out bytes.Buffer
	printCapabilities(&out, &protocol.Capabilities{
		Implementation: "Example\x1b[31m v1",
		Version:        1.0,
		SASL:           []string{"PLAIN", "SCRAM-SHA-256"},
		Extensions:     []string{"fileinto", "vacation"},
		Compatibility:  protocol.Compatibility{CheckScript: true, RenameScript: true, Noop: true},
	})
	assert.Equal(t, `Implementation: Example[31m v1
Version:        1.0
SASL:           PLAIN SCRAM-SHA-256
Extensions:     fileinto vacation
Commands:       CHECKSCRIPT RENAMESCRIPT NOOP
`, out.String())

	out.Reset()
	printCapabilities(&out, nil)
	assert.Empty(t, out.String())
}
