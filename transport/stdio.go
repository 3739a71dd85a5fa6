package transport

import (
	"io"
	"os"
)

// ReadWriteCloser joins a separate reader and writer into an io.ReadWriteCloser.
type ReadWriteCloser struct {
	io.Reader
	io.Writer
}

// Close closes the writer, and the reader if it is closeable.
func (rwc *ReadWriteCloser) Close() error {
	var err error

	if c, ok := rwc.Writer.(io.Closer); ok {
		err = c.Close()
	}

	if c, ok := rwc.Reader.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}

	return err
}

// Stdio returns the process's standard input and output as one channel.
func Stdio() io.ReadWriteCloser {
	return &ReadWriteCloser{Reader: os.Stdin, Writer: os.Stdout}
}
