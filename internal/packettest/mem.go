// Package packettest provides in-memory FileSource/FileSink implementations
// for exercising internal/packet without a real filesystem.
package packettest

import (
	"bytes"
	"fmt"
	"io"

	"github.com/distadm/distadm/internal/command"
)

// MemFiles is a FileSource and FileSink backed by an in-memory map keyed by
// the addfile command's "filename" value.
type MemFiles struct {
	Content map[string][]byte
	written map[string]*bytes.Buffer
}

func NewMemFiles() *MemFiles {
	return &MemFiles{Content: make(map[string][]byte), written: make(map[string]*bytes.Buffer)}
}

func filename(cmd *command.Command) (string, error) {
	name, ok := cmd.Value["filename"].(string)
	if !ok {
		return "", fmt.Errorf("packettest: addfile command missing filename")
	}
	return name, nil
}

func (m *MemFiles) Open(cmd *command.Command) (io.Reader, int64, error) {
	name, err := filename(cmd)
	if err != nil {
		return nil, 0, err
	}
	content, ok := m.Content[name]
	if !ok {
		return nil, 0, fmt.Errorf("packettest: no content registered for %q", name)
	}
	return bytes.NewReader(content), int64(len(content)), nil
}

func (m *MemFiles) Create(cmd *command.Command) (io.Writer, error) {
	name, err := filename(cmd)
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	m.written[name] = buf
	return buf, nil
}

// Written returns the bytes received for name through Create, after a
// ReadPacket/ReadOfflineInvite call.
func (m *MemFiles) Written(name string) ([]byte, bool) {
	buf, ok := m.written[name]
	if !ok {
		return nil, false
	}
	return buf.Bytes(), true
}
