package helpers

import (
	"bytes"
	"strings"
	"sync"
)

// MaskSensitive redacts credentials from a single protocol line. It knows the
// client commands that carry secrets on the wire:
//
//	A1 LOGIN user secret        -> A1 LOGIN user [REDACTED]
//	A1 AUTHENTICATE PLAIN xyz   -> A1 AUTHENTICATE PLAIN [REDACTED]
//	AUTH PLAIN xyz              -> AUTH PLAIN [REDACTED]
//	<handshake>abc</handshake>  -> <handshake>[REDACTED]</handshake>
//
// Any other line is returned unchanged.
func MaskSensitive(line string) string {
	if i := strings.Index(line, "<handshake>"); i >= 0 {
		if j := strings.Index(line[i:], "</handshake>"); j > len("<handshake>") {
			return line[:i] + "<handshake>[REDACTED]" + line[i+j:]
		}
	}

	parts := strings.Fields(line)
	if len(parts) == 0 {
		return line
	}

	// Untagged (SMTP) and tagged (IMAP) commands differ only in the leading tag.
	for cmdIndex := 0; cmdIndex < len(parts) && cmdIndex < 2; cmdIndex++ {
		var keep int
		switch strings.ToUpper(parts[cmdIndex]) {
		case "LOGIN", "AUTHENTICATE", "AUTH":
			keep = cmdIndex + 2
		case "PASS":
			keep = cmdIndex + 1
		default:
			continue
		}
		if len(parts) > keep {
			return strings.Join(parts[:keep], " ") + " [REDACTED]"
		}
		return line
	}
	return line
}

// MaskingWriter is an io.Writer for protocol traces. It splits the stream
// into lines, masks credentials and hands each line to Emit. Partial lines
// are buffered until their newline arrives.
type MaskingWriter struct {
	Emit func(line string)

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewMaskingWriter returns a MaskingWriter that calls emit for each line.
func NewMaskingWriter(emit func(line string)) *MaskingWriter {
	return &MaskingWriter{Emit: emit}
}

func (w *MaskingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(data[:idx]), "\r")
		w.buf.Next(idx + 1)
		w.Emit(MaskSensitive(line))
	}
	return len(p), nil
}

// Flush emits whatever partial line is buffered.
func (w *MaskingWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.Emit(MaskSensitive(w.buf.String()))
		w.buf.Reset()
	}
}
