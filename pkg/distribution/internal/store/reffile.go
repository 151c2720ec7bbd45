package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/docker/model-store/pkg/distribution/checksum"
	"github.com/docker/model-store/pkg/distribution/internal/atomicfile"
	"github.com/docker/model-store/pkg/distribution/transport"
	"github.com/docker/model-store/pkg/distribution/types"
)

// ReferenceVersion is the current reference file format.
const ReferenceVersion = "v2"

// Reference binds a logical model name to its current snapshot. Size,
// Transport and Modified are denormalised for listing.
type Reference struct {
	Version   string        `json:"version"`
	Name      string        `json:"name"`
	Snapshot  digest.Digest `json:"snapshot"`
	Transport string        `json:"transport"`
	Size      int64         `json:"size"`
	Modified  time.Time     `json:"modified"`
}

func (r *Reference) validate() error {
	if r.Name == "" {
		return errors.New("missing name")
	}
	if err := checksum.Validate(r.Snapshot); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if r.Size < 0 {
		return fmt.Errorf("negative size %d", r.Size)
	}
	return nil
}

// LoadReference reads the reference file at path. Files in the deprecated
// key=value format are upgraded in memory, and migrated reports that the
// caller should persist the result.
func LoadReference(path string) (ref *Reference, migrated bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, err
		}
		return nil, false, &types.CorruptReferenceError{Path: path, Err: err}
	}
	ref, migrated, err = ParseReference(b)
	if err != nil {
		return nil, false, &types.CorruptReferenceError{Path: path, Err: err}
	}
	return ref, migrated, nil
}

// ParseReference decodes a reference file in any supported format.
func ParseReference(b []byte) (*Reference, bool, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return nil, false, errors.New("empty reference file")
	}
	if trimmed[0] != '{' {
		ref, err := migrateV1(trimmed)
		if err != nil {
			return nil, false, fmt.Errorf("migrating v1 reference: %w", err)
		}
		return ref, true, nil
	}
	var ref Reference
	if err := json.Unmarshal(trimmed, &ref); err != nil {
		return nil, false, err
	}
	if ref.Version != ReferenceVersion {
		return nil, false, fmt.Errorf("unsupported reference version %q", ref.Version)
	}
	if err := ref.validate(); err != nil {
		return nil, false, err
	}
	return &ref, false, nil
}

// migrateV1 upgrades the deprecated format: one key=value pair per line
// with the keys hash, model, filenames, size and optionally transport and
// modified. The transform reads nothing but its input.
func migrateV1(b []byte) (*Reference, error) {
	fields := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("malformed line %q", line)
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	ref := &Reference{
		Version:   ReferenceVersion,
		Name:      fields["model"],
		Snapshot:  legacyDigest(fields["hash"]),
		Transport: fields["transport"],
	}
	if s := fields["size"]; s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("size: %w", err)
		}
		ref.Size = n
	}
	if m := fields["modified"]; m != "" {
		t, err := time.Parse(time.RFC3339, m)
		if err != nil {
			return nil, fmt.Errorf("modified: %w", err)
		}
		ref.Modified = t.UTC()
	}
	if ref.Transport == "" && ref.Name != "" {
		if r, err := transport.ParseReference(ref.Name, ""); err == nil {
			ref.Transport = string(r.Kind)
		}
	}
	if err := ref.validate(); err != nil {
		return nil, err
	}
	return ref, nil
}

// legacyDigest accepts "sha256:<hex>" and the file-name form "sha256-<hex>".
func legacyDigest(s string) digest.Digest {
	if !strings.Contains(s, ":") {
		s = strings.Replace(s, "-", ":", 1)
	}
	return digest.Digest(s)
}

// SaveReference atomically replaces the reference file at path.
func SaveReference(ref *Reference, path string) error {
	out := *ref
	out.Version = ReferenceVersion
	out.Modified = out.Modified.UTC()
	if err := out.validate(); err != nil {
		return fmt.Errorf("invalid reference: %w", err)
	}
	b, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding reference: %w", err)
	}
	if err := atomicfile.WriteFile(path, append(b, '\n'), 0644); err != nil {
		return fmt.Errorf("writing reference %s: %w", path, err)
	}
	return nil
}
