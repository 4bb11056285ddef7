// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"go.opentelemetry.io/pt-tracer/capture"
)

const (
	ptFile       = "pt"
	sidebandFile = "sideband"
	metadataFile = "metadata.json"
	zstdSuffix   = ".zst"
)

// captureMetadata is stored next to the trace files of a capture.
type captureMetadata struct {
	capture.Metadata
	Mode        string `json:"mode"`
	KernelStart uint64 `json:"kernel_start"`
	Compressed  bool   `json:"compressed"`
	// KCore and Kallsyms name the kernel dump of the capture, relative to
	// the capture directory.
	KCore    string `json:"kcore,omitempty"`
	Kallsyms string `json:"kallsyms,omitempty"`
}

// kernelFiles returns the paths of the kernel dump of the capture in dir.
// Empty paths mean the capture has no dump.
func (md *captureMetadata) kernelFiles(dir string) (kcoreFile, kallsymsFile string) {
	if md.KCore != "" {
		kcoreFile = filepath.Join(dir, md.KCore)
	}
	if md.Kallsyms != "" {
		kallsymsFile = filepath.Join(dir, md.Kallsyms)
	}
	return kcoreFile, kallsymsFile
}

func writeData(dir, name string, data []byte, compress bool) error {
	path := filepath.Join(dir, name)
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return err
		}
		data = enc.EncodeAll(data, nil)
		enc.Close()
		path += zstdSuffix
	}
	return os.WriteFile(path, data, 0o644)
}

// readData reads name from dir, preferring the compressed variant.
func readData(dir, name string) ([]byte, error) {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path + zstdSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	data, err = dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", path+zstdSuffix, err)
	}
	return data, nil
}

// sidebandPath returns a plain file holding the sideband of the capture in
// dir. cleanup removes it if it was decompressed into a temporary file.
func sidebandPath(dir string) (path string, cleanup func(), err error) {
	path = filepath.Join(dir, sidebandFile)
	if _, err := os.Stat(path); err == nil {
		return path, func() {}, nil
	}
	data, err := readData(dir, sidebandFile)
	if err != nil {
		return "", nil, err
	}
	f, err := os.CreateTemp("", "ptdump-sideband-*")
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

func writeMetadata(dir string, md *captureMetadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, metadataFile), data, 0o644)
}

func readMetadata(dir string) (*captureMetadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, err
	}
	md := &captureMetadata{}
	if err := json.Unmarshal(data, md); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", metadataFile, err)
	}
	return md, nil
}
