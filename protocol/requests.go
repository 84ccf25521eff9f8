package protocol

import (
	"strconv"

	"golang.org/x/text/unicode/norm"

	"github.com/migadu/sievemgr/wire"
)

// Script names travel as Net-Unicode (RFC 5198), which requires NFC.
func scriptName(name string) string {
	return norm.NFC.String(name)
}

type NoopRequest struct{ *simpleRequest }

// NewNoopRequest returns a NOOP. A non-empty tag is echoed by the server in a
// TAG response code.
func NewNoopRequest(tag string) *NoopRequest {
	return &NoopRequest{newSimpleRequest("NOOP", func(b *wire.Builder) {
		if tag != "" {
			b.AddQuotedString(tag)
		}
	})}
}

type PutScriptRequest struct{ *simpleRequest }

// NewPutScriptRequest uploads body under name. Line breaks in body are
// normalized to CRLF before the literal length is computed.
func NewPutScriptRequest(name, body string) *PutScriptRequest {
	name = scriptName(name)
	body = wire.NormalizeLineBreaks(body)
	return &PutScriptRequest{newSimpleRequest("PUTSCRIPT", func(b *wire.Builder) {
		b.AddQuotedString(name).AddMultiLineString(body)
	})}
}

type CheckScriptRequest struct{ *simpleRequest }

// NewCheckScriptRequest validates body without storing it.
func NewCheckScriptRequest(body string) *CheckScriptRequest {
	body = wire.NormalizeLineBreaks(body)
	return &CheckScriptRequest{newSimpleRequest("CHECKSCRIPT", func(b *wire.Builder) {
		b.AddMultiLineString(body)
	})}
}

type SetActiveRequest struct{ *simpleRequest }

// NewSetActiveRequest activates name. An empty name deactivates all scripts.
func NewSetActiveRequest(name string) *SetActiveRequest {
	name = scriptName(name)
	return &SetActiveRequest{newSimpleRequest("SETACTIVE", func(b *wire.Builder) {
		b.AddQuotedString(name)
	})}
}

type DeleteScriptRequest struct{ *simpleRequest }

func NewDeleteScriptRequest(name string) *DeleteScriptRequest {
	name = scriptName(name)
	return &DeleteScriptRequest{newSimpleRequest("DELETESCRIPT", func(b *wire.Builder) {
		b.AddQuotedString(name)
	})}
}

type RenameScriptRequest struct{ *simpleRequest }

func NewRenameScriptRequest(oldName, newName string) *RenameScriptRequest {
	oldName, newName = scriptName(oldName), scriptName(newName)
	return &RenameScriptRequest{newSimpleRequest("RENAMESCRIPT", func(b *wire.Builder) {
		b.AddQuotedString(oldName).AddQuotedString(newName)
	})}
}

type HaveSpaceRequest struct{ *simpleRequest }

// NewHaveSpaceRequest asks whether a script of size bytes could be stored
// under name. A NO carries the QUOTA code.
func NewHaveSpaceRequest(name string, size int64) *HaveSpaceRequest {
	name = scriptName(name)
	return &HaveSpaceRequest{newSimpleRequest("HAVESPACE", func(b *wire.Builder) {
		b.AddQuotedString(name).AddLiteral(strconv.FormatInt(size, 10))
	})}
}

// LogoutRequest ends the session. The server answers with OK or BYE and
// closes the connection, both count as success.
type LogoutRequest struct{ *simpleRequest }

func NewLogoutRequest() *LogoutRequest {
	return &LogoutRequest{newSimpleRequest("LOGOUT", nil)}
}

func (r *LogoutRequest) AddResponse(p *wire.Parser) (*Response, error) {
	resp, err := ParseResponse(p)
	if err != nil {
		return nil, err
	}
	if resp.Status == StatusNo {
		r.complete(resp, resp.Err())
	} else {
		r.complete(resp, nil)
	}
	return resp, nil
}

// GetScriptRequest downloads a script body.
type GetScriptRequest struct {
	result[string]
	name string
}

func NewGetScriptRequest(name string) *GetScriptRequest {
	r := &GetScriptRequest{name: scriptName(name)}
	r.init()
	return r
}

func (r *GetScriptRequest) Name() string         { return "GETSCRIPT" }
func (r *GetScriptRequest) IsUnsolicited() bool  { return true }
func (r *GetScriptRequest) HasNextRequest() bool { return false }

func (r *GetScriptRequest) NextRequest(b *wire.Builder) ([]byte, error) {
	return b.AddLiteral("GETSCRIPT").AddQuotedString(r.name).Bytes(), nil
}

func (r *GetScriptRequest) AddResponse(p *wire.Parser) (*Response, error) {
	body, resp, err := ParseGetScript(p)
	if err != nil {
		return nil, err
	}
	r.complete(string(body), resp.Err())
	return resp, nil
}

// ListScriptsRequest lists the scripts of the authenticated user.
type ListScriptsRequest struct {
	result[[]ScriptEntry]
}

func NewListScriptsRequest() *ListScriptsRequest {
	r := &ListScriptsRequest{}
	r.init()
	return r
}

func (r *ListScriptsRequest) Name() string         { return "LISTSCRIPTS" }
func (r *ListScriptsRequest) IsUnsolicited() bool  { return true }
func (r *ListScriptsRequest) HasNextRequest() bool { return false }

func (r *ListScriptsRequest) NextRequest(b *wire.Builder) ([]byte, error) {
	return b.AddLiteral("LISTSCRIPTS").Bytes(), nil
}

func (r *ListScriptsRequest) AddResponse(p *wire.Parser) (*Response, error) {
	entries, resp, err := ParseListScripts(p)
	if err != nil {
		return nil, err
	}
	r.complete(entries, resp.Err())
	return resp, nil
}

// CapabilitiesRequest asks the server for its capability listing.
type CapabilitiesRequest struct {
	result[*Capabilities]
}

func NewCapabilitiesRequest() *CapabilitiesRequest {
	r := &CapabilitiesRequest{}
	r.init()
	return r
}

func (r *CapabilitiesRequest) Name() string         { return "CAPABILITY" }
func (r *CapabilitiesRequest) IsUnsolicited() bool  { return true }
func (r *CapabilitiesRequest) HasNextRequest() bool { return false }

func (r *CapabilitiesRequest) NextRequest(b *wire.Builder) ([]byte, error) {
	return b.AddLiteral("CAPABILITY").Bytes(), nil
}

func (r *CapabilitiesRequest) AddResponse(p *wire.Parser) (*Response, error) {
	caps, resp, err := ParseCapabilities(p)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		r.complete(nil, err)
	} else {
		r.complete(caps, nil)
	}
	return resp, nil
}

// InitRequest sends nothing. It consumes the capability banner a server sends
// on its own after connecting or after a TLS upgrade.
type InitRequest struct {
	result[*Capabilities]
	silent bool
}

func NewInitRequest() *InitRequest {
	r := &InitRequest{}
	r.init()
	return r
}

// NewSilentInitRequest returns an InitRequest whose listing is absorbed
// without being used, see StartTLSRequest.
func NewSilentInitRequest() *InitRequest {
	r := NewInitRequest()
	r.silent = true
	return r
}

func (r *InitRequest) Name() string         { return "INIT" }
func (r *InitRequest) IsUnsolicited() bool  { return false }
func (r *InitRequest) HasNextRequest() bool { return false }
func (r *InitRequest) Silent() bool         { return r.silent }

func (r *InitRequest) NextRequest(b *wire.Builder) ([]byte, error) {
	return nil, nil
}

func (r *InitRequest) AddResponse(p *wire.Parser) (*Response, error) {
	caps, resp, err := ParseCapabilities(p)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		r.complete(nil, err)
	} else {
		r.complete(caps, nil)
	}
	return resp, nil
}
