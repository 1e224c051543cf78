package pktline

// Utility functions for working with the Git pkt-line format. See
// https://github.com/git/git/blob/master/Documentation/technical/protocol-common.txt

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

const (
	maxPktSize = 0xffff
	headerSize = 4

	// MaxDataSize is the largest payload a single packet can carry.
	MaxDataSize = maxPktSize - headerSize

	errPrefix = "ERR "
)

var flushPkt = []byte("0000")

// NewScanner returns a bufio.Scanner that splits on Git pktline boundaries
func NewScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, maxPktSize), maxPktSize)
	scanner.Split(pktLineSplitter)
	return scanner
}

// IsFlush detects the special flush packet '0000'
func IsFlush(pkt []byte) bool {
	return bytes.Equal(pkt, flushPkt)
}

// IsSpecial detects the magic packets 0000 to 0003, which carry no data.
func IsSpecial(pkt []byte) bool {
	return len(pkt) == headerSize
}

// Data returns a copy of the payload of a data packet.
func Data(pkt []byte) []byte {
	if len(pkt) <= headerSize {
		return nil
	}

	return bytes.Clone(pkt[headerSize:])
}

// IsError detects an 'ERR <message>' packet and returns its message.
func IsError(pkt []byte) (string, bool) {
	data := pkt
	if len(pkt) >= headerSize {
		data = pkt[headerSize:]
	}

	if !bytes.HasPrefix(data, []byte(errPrefix)) {
		return "", false
	}

	return string(bytes.TrimRight(data[len(errPrefix):], "\n")), true
}

// Write writes data as a single packet.
func Write(w io.Writer, data []byte) error {
	if len(data) > MaxDataSize {
		return fmt.Errorf("pktline: Write: %d bytes exceed the packet limit of %d", len(data), MaxDataSize)
	}

	buf := make([]byte, 0, headerSize+len(data))
	buf = fmt.Appendf(buf, "%04x", headerSize+len(data))
	buf = append(buf, data...)

	_, err := w.Write(buf)
	return err
}

// WriteError writes an 'ERR <message>' packet. Messages too long for one
// packet are truncated.
func WriteError(w io.Writer, msg string) error {
	data := []byte(errPrefix + msg)
	if len(data) > MaxDataSize {
		data = data[:MaxDataSize]
	}

	return Write(w, data)
}

// WriteFlush writes a flush packet.
func WriteFlush(w io.Writer) error {
	_, err := w.Write(flushPkt)
	return err
}

func pktLineSplitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) < 4 {
		if atEOF && len(data) > 0 {
			return 0, nil, fmt.Errorf("pktLineSplitter: incomplete length prefix on %q", data)
		}
		return 0, nil, nil // want more data
	}

	// We have at least 4 bytes available so we can decode the 4-hex digit
	// length prefix of the packet line.
	pktLength64, err := strconv.ParseInt(string(data[:4]), 16, 0)
	if err != nil {
		return 0, nil, fmt.Errorf("pktLineSplitter: decode length: %v", err)
	}

	// Cast is safe because we requested an int-size number from strconv.ParseInt
	pktLength := int(pktLength64)

	if pktLength < 0 {
		return 0, nil, fmt.Errorf("pktLineSplitter: invalid length: %d", pktLength)
	}

	if pktLength < 4 {
		// Special case: magic empty packet 0000, 0001, 0002 or 0003.
		return 4, data[:4], nil
	}

	if len(data) < pktLength {
		// data contains incomplete packet

		if atEOF {
			return 0, nil, fmt.Errorf("pktLineSplitter: less than %d bytes in input %q", pktLength, data)
		}

		return 0, nil, nil // want more data
	}

	return pktLength, data[:pktLength], nil
}
