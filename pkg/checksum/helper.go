package checksum

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"emperror.dev/errors"
)

// Checksum returns the hex encoded alg digest of everything read from src.
func Checksum(src io.Reader, alg DigestAlgorithm) (string, error) {
	sink, err := GetHash(alg)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(sink, src); err != nil {
		return "", errors.Wrapf(err, "cannot compute %s digest", alg)
	}
	return hex.EncodeToString(sink.Sum(nil)), nil
}

// WriteSidecar writes a digest line in the "<digest> <filename>" format
// used for sidecar files next to the file they describe.
func WriteSidecar(w io.Writer, digest, filename string) error {
	if _, err := fmt.Fprintf(w, "%s %s\n", digest, filename); err != nil {
		return errors.Wrapf(err, "cannot write sidecar for %s", filename)
	}
	return nil
}

// ReadSidecar parses a sidecar written by WriteSidecar.
func ReadSidecar(r io.Reader) (digest, filename string, err error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", "", errors.Wrap(err, "cannot read sidecar")
		}
		return "", "", errors.New("empty sidecar")
	}
	parts := strings.Fields(scanner.Text())
	if len(parts) != 2 {
		return "", "", errors.Errorf("invalid sidecar line '%s'", scanner.Text())
	}
	return strings.ToLower(parts[0]), parts[1], nil
}
