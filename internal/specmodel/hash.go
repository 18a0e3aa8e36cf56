package specmodel

import (
	"bytes"
	"io"
	"os"
	"sort"
)

// IDInput bundles the inputs that feed UnresolvedSpec.ComputeID, so the
// hash can be recomputed identically wherever it's needed (builder,
// database round-trip tests) without re-deriving Name()/params by hand.
type IDInput struct {
	Name       string
	VCSRelPath string
	FileBytes  []byte
}

// ComputeID derives the spec's content-addressed ID: a function of
// family+parameters (via Name), file bytes, and the VCS-anchored
// relative path. Changing any one of those three changes the ID.
func (s *UnresolvedSpec) ComputeID() ID {
	var buf bytes.Buffer
	buf.WriteString(s.Name())
	buf.WriteByte(0)
	buf.WriteString(s.VCSRelPath)
	buf.WriteByte(0)
	buf.Write(s.FileBytes)
	return NewID(buf.Bytes())
}

// ComputeInclusiveID extends ComputeID with asset byte content, per
// CANARY_INCLUSIVE_CASE_ID. Assets are hashed in sorted Src path order,
// each capped at byteLimit bytes so a single oversized fixture can't make
// ID computation unbounded.
func (s *UnresolvedSpec) ComputeInclusiveID(byteLimit int64) (ID, error) {
	var buf bytes.Buffer
	buf.WriteString(s.Name())
	buf.WriteByte(0)
	buf.WriteString(s.VCSRelPath)
	buf.WriteByte(0)
	buf.Write(s.FileBytes)

	srcs := make([]string, len(s.Assets))
	for i, a := range s.Assets {
		srcs[i] = a.Src
	}
	sort.Strings(srcs)

	for _, src := range srcs {
		buf.WriteByte(0)
		buf.WriteString(src)
		if err := appendFileCapped(&buf, src, byteLimit); err != nil {
			return "", err
		}
	}
	return NewID(buf.Bytes()), nil
}

func appendFileCapped(buf *bytes.Buffer, path string, limit int64) error {
	f, err := os.Open(path)
	if err != nil {
		// A missing asset at ID-computation time is not itself fatal here;
		// the setup phase is where a missing asset source becomes a
		// skipped case. We still want a deterministic ID, so
		// fold in the error text instead of the (absent) bytes.
		buf.WriteString("!missing:" + err.Error())
		return nil
	}
	defer f.Close()
	if limit <= 0 {
		limit = 1 << 20
	}
	_, err = io.CopyN(buf, f, limit)
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}
