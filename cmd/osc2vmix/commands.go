package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ==============================
// Commands (vMix API calls)
// ==============================

// Command is one validated mixer action ready for delivery.
//
// The set of commands is closed: only types in this file implement commandMarker.
// Query renders the part of the request URL after "/api?".
type Command interface {
	commandMarker()
	Query() string
	String() string
}

// CmdSetFader sets the T-bar position (0-255).
type CmdSetFader struct {
	Value int
}

func (CmdSetFader) commandMarker() {}
func (c CmdSetFader) Query() string {
	return "Function=SetFader&Value=" + strconv.Itoa(c.Value)
}
func (c CmdSetFader) String() string { return fmt.Sprintf("CmdSetFader(value=%d)", c.Value) }

// CmdCutToInput cuts the given input directly to output, skipping preview.
type CmdCutToInput struct {
	Input string
}

func (CmdCutToInput) commandMarker()   {}
func (c CmdCutToInput) Query() string  { return inputQuery("CutDirect", c.Input) }
func (c CmdCutToInput) String() string { return fmt.Sprintf("CmdCutToInput(input=%q)", c.Input) }

// CmdPreviewInput puts the given input into preview.
type CmdPreviewInput struct {
	Input string
}

func (CmdPreviewInput) commandMarker()   {}
func (c CmdPreviewInput) Query() string  { return inputQuery("PreviewInput", c.Input) }
func (c CmdPreviewInput) String() string { return fmt.Sprintf("CmdPreviewInput(input=%q)", c.Input) }

// CmdRaw forwards an operator-supplied query fragment verbatim.
// It is the escape hatch for API functions that have no dedicated command.
type CmdRaw struct {
	Fragment string
}

func (CmdRaw) commandMarker()   {}
func (c CmdRaw) Query() string  { return c.Fragment }
func (c CmdRaw) String() string { return fmt.Sprintf("CmdRaw(fragment=%q)", c.Fragment) }

// CmdQuickPlay triggers Quick Play on the preview input.
type CmdQuickPlay struct{}

func (CmdQuickPlay) commandMarker() {}
func (CmdQuickPlay) Query() string  { return "Function=QuickPlay" }
func (CmdQuickPlay) String() string { return "CmdQuickPlay()" }

// CmdFadeToBlack toggles Fade To Black.
type CmdFadeToBlack struct{}

func (CmdFadeToBlack) commandMarker() {}
func (CmdFadeToBlack) Query() string  { return "Function=FadeToBlack" }
func (CmdFadeToBlack) String() string { return "CmdFadeToBlack()" }

// CmdRestartInput rewinds the given input to its start.
type CmdRestartInput struct {
	Input string
}

func (CmdRestartInput) commandMarker()   {}
func (c CmdRestartInput) Query() string  { return inputQuery("Restart", c.Input) }
func (c CmdRestartInput) String() string { return fmt.Sprintf("CmdRestartInput(input=%q)", c.Input) }

// CmdNextItem advances a list input to its next item.
type CmdNextItem struct {
	Input string
}

func (CmdNextItem) commandMarker()   {}
func (c CmdNextItem) Query() string  { return inputQuery("NextItem", c.Input) }
func (c CmdNextItem) String() string { return fmt.Sprintf("CmdNextItem(input=%q)", c.Input) }

// CmdPreviousItem moves a list input back to its previous item.
type CmdPreviousItem struct {
	Input string
}

func (CmdPreviousItem) commandMarker()   {}
func (c CmdPreviousItem) Query() string  { return inputQuery("PreviousItem", c.Input) }
func (c CmdPreviousItem) String() string { return fmt.Sprintf("CmdPreviousItem(input=%q)", c.Input) }

// inputQuery renders a Function call that targets one input.
// Input names may contain spaces or '&', so they are query-escaped.
func inputQuery(function, input string) string {
	return "Function=" + function + "&Input=" + url.QueryEscape(input)
}

// apiURL builds the full request URL for cmd against the device at host:port.
func apiURL(device string, cmd Command) string {
	return "http://" + device + "/api?" + escapeQueryBytes(cmd.Query())
}

// escapeQueryBytes percent-encodes bytes that may not appear in an HTTP
// request-target (spaces, quotes, angle brackets, control and non-ASCII bytes).
// Separators and existing %XX escapes are left as they are, so raw fragments
// keep their meaning.
func escapeQueryBytes(q string) string {
	if strings.IndexFunc(q, func(r rune) bool { return r >= 0x7f || illegalInQuery(byte(r)) }) < 0 {
		return q
	}
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(q) + 8)
	for i := 0; i < len(q); i++ {
		c := q[i]
		if !illegalInQuery(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func illegalInQuery(c byte) bool {
	switch {
	case c <= 0x20, c >= 0x7f:
		return true
	case c == '"', c == '<', c == '>':
		return true
	}
	return false
}
