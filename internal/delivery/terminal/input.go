package terminal

import (
	"bufio"
	"errors"
	"io"
	"os"

	"github.com/chzyer/readline"
)

// LineReader yields one line of input per call. io.EOF ends the input.
type LineReader interface {
	ReadLine() (string, error)
	Close() error
}

// NewLineReader uses readline line editing when in is a terminal and plain
// line scanning otherwise.
func NewLineReader(in *os.File, out io.Writer) (LineReader, error) {
	if !IsTerminal(in) {
		return NewScannerReader(in), nil
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "answer> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		UniqueEditLine:  true,
		Stdin:           readline.NewCancelableStdin(in),
		Stdout:          out,
		Stderr:          out,
	})
	if err != nil {
		return nil, err
	}
	return &readlineReader{rl: rl}, nil
}

type readlineReader struct {
	rl *readline.Instance
}

func (r *readlineReader) ReadLine() (string, error) {
	line, err := r.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		return "", io.EOF
	}
	return line, err
}

func (r *readlineReader) Close() error {
	return r.rl.Close()
}

// ScannerReader reads lines from any reader.
type ScannerReader struct {
	sc     *bufio.Scanner
	closer io.Closer
}

// NewScannerReader wraps r. If r is an io.Closer, Close closes it.
func NewScannerReader(r io.Reader) *ScannerReader {
	s := &ScannerReader{sc: bufio.NewScanner(r)}
	if c, ok := r.(io.Closer); ok && r != os.Stdin {
		s.closer = c
	}
	return s
}

// ReadLine implements LineReader.
func (s *ScannerReader) ReadLine() (string, error) {
	if s.sc.Scan() {
		return s.sc.Text(), nil
	}
	if err := s.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Close implements LineReader.
func (s *ScannerReader) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
