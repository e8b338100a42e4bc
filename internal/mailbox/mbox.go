package mailbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"actindex/internal/collector"
)

const maxMboxLine = 1024 * 1024

// MboxMailbox reads received mail from an mbox file, such as one exported
// from the mail client or maintained by a local delivery agent.
type MboxMailbox struct {
	path    string
	logger  collector.Logger
	changes chan struct{}
	words   *mime.WordDecoder
}

// NewMboxMailbox creates a mailbox over the mbox file at path. The file does
// not have to exist yet.
func NewMboxMailbox(path string, logger collector.Logger) *MboxMailbox {
	return &MboxMailbox{
		path:    filepath.Clean(path),
		logger:  logger,
		changes: make(chan struct{}, 1),
		words:   new(mime.WordDecoder),
	}
}

// Fetch parses the mbox file and returns the messages received at or after
// since. A missing file is an empty mailbox.
func (m *MboxMailbox) Fetch(ctx context.Context, since time.Time) ([]collector.MailMessage, error) {
	f, err := os.Open(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening mbox: %w", err)
	}
	defer f.Close()

	var out []collector.MailMessage
	skipped, err := splitMbox(f, func(raw []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := m.parseMessage(raw)
		if err != nil {
			m.logger.Debug("skipping unreadable mbox message", "error", err)
			return nil
		}
		if !msg.Received.Before(since) {
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading mbox %s: %w", m.path, err)
	}
	if skipped > 0 {
		m.logger.Warn("skipped mbox messages with overlong lines", "path", m.path, "count", skipped, "max_line", maxMboxLine)
	}
	return out, nil
}

// Changes is signalled when Watch observes the file change.
func (m *MboxMailbox) Changes() <-chan struct{} {
	return m.changes
}

// Watch signals Changes whenever the mbox file is written or replaced,
// until ctx is cancelled.
func (m *MboxMailbox) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	// Watch the directory so atomic replacement of the file is seen.
	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != m.path {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					m.signal()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.logger.Warn("mailbox watch error", "path", m.path, "error", err)
			}
		}
	}()
	return nil
}

func (m *MboxMailbox) signal() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

// splitMbox calls fn with every message of an mboxrd/mboxo stream, without
// the leading "From " separator line. Messages holding a line longer than
// maxMboxLine are not passed to fn; their number is returned.
func splitMbox(r io.Reader, fn func([]byte) error) (int, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	var (
		cur      bytes.Buffer
		lineBuf  bytes.Buffer
		inMsg    bool
		oversize bool
		skipped  int
		prevNil  = true
	)
	flush := func() error {
		if !inMsg {
			return nil
		}
		if oversize {
			oversize = false
			skipped++
			cur.Reset()
			return nil
		}
		err := fn(bytes.Clone(cur.Bytes()))
		cur.Reset()
		return err
	}

	for {
		line, tooLong, err := readLine(br, &lineBuf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return skipped, err
		}
		if tooLong {
			oversize = oversize || inMsg
			prevNil = false
			continue
		}
		if prevNil && bytes.HasPrefix(line, []byte("From ")) {
			if err := flush(); err != nil {
				return skipped, err
			}
			inMsg = true
			prevNil = false
			continue
		}
		prevNil = len(line) == 0
		if !inMsg {
			continue
		}
		if bytes.HasPrefix(line, []byte(">From ")) {
			line = line[1:]
		}
		cur.Write(line)
		cur.WriteByte('\n')
	}
	if err := flush(); err != nil {
		return skipped, err
	}
	return skipped, nil
}

// readLine returns the next line without its line ending. A line longer
// than maxMboxLine is consumed and reported as too long. io.EOF is returned
// only once no data is left.
func readLine(br *bufio.Reader, buf *bytes.Buffer) ([]byte, bool, error) {
	buf.Reset()
	tooLong := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong && buf.Len()+len(chunk) <= maxMboxLine+1 {
			buf.Write(chunk)
		} else {
			tooLong = true
			buf.Reset()
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && (!errors.Is(err, io.EOF) || (buf.Len() == 0 && !tooLong)) {
			return nil, false, err
		}
		line := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
		return bytes.TrimSuffix(line, []byte("\r")), tooLong, nil
	}
}

func (m *MboxMailbox) parseMessage(raw []byte) (collector.MailMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return collector.MailMessage{}, err
	}
	received, err := msg.Header.Date()
	if err != nil {
		return collector.MailMessage{}, fmt.Errorf("message date: %w", err)
	}

	out := collector.MailMessage{
		ID:       strings.TrimSpace(msg.Header.Get("Message-Id")),
		Sender:   m.decodeHeader(msg.Header.Get("From")),
		Subject:  m.decodeHeader(msg.Header.Get("Subject")),
		Received: received,
	}
	if addr, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		out.Sender = addr.Address
	}
	if out.ID == "" {
		out.ID = fmt.Sprintf("%s|%s|%d", out.Sender, out.Subject, received.Unix())
	}

	atts, err := m.attachments(msg.Header.Get("Content-Type"), msg.Body)
	if err != nil {
		return collector.MailMessage{}, fmt.Errorf("message %s: %w", out.ID, err)
	}
	out.Attachments = atts
	return out, nil
}

// attachments walks a MIME body, descending into nested multiparts, and
// returns every part that carries a file name with its decoded size.
func (m *MboxMailbox) attachments(contentType string, body io.Reader) ([]collector.MailAttachment, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, nil
	}

	var out []collector.MailAttachment
	mr := multipart.NewReader(body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}

		partType := part.Header.Get("Content-Type")
		if pt, _, err := mime.ParseMediaType(partType); err == nil && strings.HasPrefix(pt, "multipart/") {
			nested, err := m.attachments(partType, part)
			if err != nil {
				return out, err
			}
			out = append(out, nested...)
			continue
		}

		name := m.partFileName(part)
		if name == "" {
			continue
		}
		size, err := decodedSize(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return out, fmt.Errorf("attachment %s: %w", name, err)
		}
		out = append(out, collector.MailAttachment{Name: name, Size: size})
	}
}

func (m *MboxMailbox) partFileName(part *multipart.Part) string {
	name := part.FileName()
	if name == "" {
		if _, params, err := mime.ParseMediaType(part.Header.Get("Content-Type")); err == nil {
			name = params["name"]
		}
	}
	if name == "" {
		return ""
	}
	return filepath.Base(m.decodeHeader(name))
}

func (m *MboxMailbox) decodeHeader(v string) string {
	if d, err := m.words.DecodeHeader(v); err == nil {
		return d
	}
	return v
}

// decodedSize returns the size of a part body after transfer decoding.
// Quoted-printable is already decoded by the multipart reader.
func decodedSize(r io.Reader, encoding string) (int64, error) {
	if strings.EqualFold(strings.TrimSpace(encoding), "base64") {
		r = base64.NewDecoder(base64.StdEncoding, r)
	}
	return io.Copy(io.Discard, r)
}
