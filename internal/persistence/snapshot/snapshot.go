// Package snapshot encodes a workspace for durable storage: a zstd stream holding one JSON
// header line followed by the JSON body. Readers check the header before decoding the body,
// so a version mismatch never pays for the full decode.
package snapshot

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

// ErrVersionMismatch reports a snapshot written under another schema version.
var ErrVersionMismatch = errors.New("snapshot version mismatch")

type Header struct {
	Version   int   `json:"version"`
	UpdatedAt int64 `json:"updatedAt"`
	Schemes   int   `json:"schemes"`
	Items     int   `json:"items"`
}

func HeaderOf(snap *workspace.Snapshot) Header {
	return Header{
		Version:   snap.Version,
		UpdatedAt: snap.UpdatedAt,
		Schemes:   len(snap.Editor.Schemes),
		Items:     snap.ItemCount(),
	}
}

func Encode(w io.Writer, snap *workspace.Snapshot) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(HeaderOf(snap))
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := json.NewEncoder(bw).Encode(snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("json encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// Marshal encodes into a fresh buffer.
func Marshal(snap *workspace.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads a snapshot and rejects any version other than want with ErrVersionMismatch.
// The returned header is valid whenever the header line could be parsed.
func Decode(r io.Reader, want int) (workspace.Snapshot, Header, error) {
	var snap workspace.Snapshot
	dec, err := zstd.NewReader(r)
	if err != nil {
		return snap, Header{}, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	h, err := readHeader(br)
	if err != nil {
		return snap, h, err
	}
	if h.Version != want {
		return snap, h, fmt.Errorf("%w: got %d want %d", ErrVersionMismatch, h.Version, want)
	}
	if err := json.NewDecoder(br).Decode(&snap); err != nil {
		return snap, h, fmt.Errorf("json decode: %w", err)
	}
	if snap.Version != want {
		return workspace.Snapshot{}, h, fmt.Errorf("%w: body version %d", ErrVersionMismatch, snap.Version)
	}
	return snap, h, nil
}

func Unmarshal(b []byte, want int) (workspace.Snapshot, Header, error) {
	return Decode(bytes.NewReader(b), want)
}

// ReadHeader decodes only the header line.
func ReadHeader(b []byte) (Header, error) {
	dec, err := zstd.NewReader(bytes.NewReader(b))
	if err != nil {
		return Header{}, err
	}
	defer dec.Close()
	return readHeader(bufio.NewReader(dec))
}

func readHeader(br *bufio.Reader) (Header, error) {
	var h Header
	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("parse header: %w", err)
	}
	return h, nil
}

// WriteFile writes an encoded snapshot to path, creating parent directories. The file is
// written next to path and renamed into place, so a failed write leaves any existing file.
func WriteFile(path string, snap *workspace.Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := Encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func ReadFile(path string, want int) (workspace.Snapshot, Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return workspace.Snapshot{}, Header{}, err
	}
	defer f.Close()
	return Decode(f, want)
}
