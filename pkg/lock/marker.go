package lock

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pixperk/pagelock/pkg/atomic"
	"github.com/pixperk/pagelock/pkg/types"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	fenceSuffix = ".fence"
	breakSuffix = ".break"
)

// creates the marker in exclusive mode
// fails with an error matching fs.ErrExist when the marker is already held
func createMarker(name string, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
}

func writeLease(w io.Writer, lease *types.Lease) error {
	b, err := json.Marshal(lease)
	if err != nil {
		return errors.Wrap(err, "encode lease")
	}
	_, err = w.Write(b)
	return err
}

// replaces the marker content without the marker ever disappearing
func rewriteLease(name string, lease *types.Lease, perm os.FileMode) error {
	b, err := json.Marshal(lease)
	if err != nil {
		return errors.Wrap(err, "encode lease")
	}
	_, err = atomic.WriteFile(name, bytes.NewReader(b), perm)
	return err
}

// reads the lease stored in a marker
// returns (nil, nil) for markers without a decodable lease, e.g. markers
// created by other tools or caught between create and write
// fs.ErrNotExist is passed through
func readLease(name string) (*types.Lease, error) {
	b, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var lease types.Lease
	if err := json.Unmarshal(b, &lease); err != nil || lease.OwnerID == "" {
		return nil, nil
	}
	return &lease, nil
}

// increments and persists the fencing counter of a marker
// must only be called while holding the marker
func nextFencingToken(name string, perm os.FileMode) (uint64, error) {
	fence := name + fenceSuffix

	var current uint64
	b, err := os.ReadFile(fence)
	switch {
	case err == nil:
		s := strings.TrimSpace(string(b))
		if s != "" {
			if current, err = strconv.ParseUint(s, 10, 64); err != nil {
				return 0, errors.Wrapf(err, "parse fencing counter %s", fence)
			}
		}
	case os.IsNotExist(err):
	default:
		return 0, errors.Wrap(err, "read fencing counter")
	}

	next := current + 1
	if _, err := atomic.WriteFile(fence, strings.NewReader(strconv.FormatUint(next, 10)+"\n"), perm); err != nil {
		return 0, errors.Wrap(err, "write fencing counter")
	}
	return next, nil
}
