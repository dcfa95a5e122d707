package server

import (
	"bytes"
	"io"
	"mime"
	"net/http"

	"emperror.dev/errors"
)

const detectSize = 512

// mimeReader sniffs the media type from the first bytes of a stream
// without consuming them.
type mimeReader struct {
	io.Reader
	mimetype string
}

func newMimeReader(r io.Reader) (*mimeReader, error) {
	data := make([]byte, detectSize)
	num, err := io.ReadFull(r, data)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "cannot read from input")
	}
	mr := &mimeReader{
		Reader:   io.MultiReader(bytes.NewReader(data[:num]), r),
		mimetype: "application/octet-stream",
	}
	if num > 0 {
		mr.mimetype, _, _ = mime.ParseMediaType(http.DetectContentType(data[:num]))
	}
	return mr, nil
}

func (mr *mimeReader) GetMimetype() string {
	return mr.mimetype
}
