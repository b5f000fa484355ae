package messaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/spotter/messenger/internal/domain"
	"github.com/spotter/messenger/internal/events"
)

// Uploader stores an attachment out of band and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, filename, contentType string, content io.Reader) (domain.Upload, error)
}

// Attachment is a file staged for sending. Open is called once per upload attempt,
// so a send that is retried uploads the same bytes again.
type Attachment struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// BytesAttachment stages in-memory content.
func BytesAttachment(name, contentType string, data []byte) Attachment {
	return Attachment{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// FileAttachment stages the file at path on fs. The file must exist now; it is
// reopened for every upload attempt. The content type is guessed from the extension.
func FileAttachment(fs afero.Fs, path string) (Attachment, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("attach %s: %w", path, err)
	}
	if info.IsDir() {
		return Attachment{}, fmt.Errorf("attach %s: %w: is a directory", path, domain.ErrInvalidPayload)
	}
	name := filepath.Base(path)
	return Attachment{
		Name:        name,
		ContentType: ContentTypeOf(name),
		Size:        info.Size(),
		Open: func() (io.ReadCloser, error) {
			return fs.Open(path)
		},
	}, nil
}

// ContentTypeOf guesses a MIME type from a file name.
func ContentTypeOf(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Draft is a copy of what the composer currently holds.
type Draft struct {
	Text  string
	File  *Attachment
	Embed *domain.Embed
}

// Empty reports whether there is nothing to send.
func (d Draft) Empty() bool {
	return strings.TrimSpace(d.Text) == "" && d.File == nil && d.Embed == nil
}

// Composer collects the user's input for the next message: typed text, one attached
// file and one staged embed.
type Composer struct {
	mu    sync.Mutex
	text  string
	file  *Attachment
	embed *domain.Embed
}

// SetText replaces the typed text.
func (c *Composer) SetText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = text
}

// Attach stages a file, replacing any previously attached one.
func (c *Composer) Attach(a Attachment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.file = &a
}

// StageEmbed stages an embed. While staged it takes priority over text and files.
func (c *Composer) StageEmbed(e domain.Embed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.embed = &e
}

// ClearEmbed unstages the embed.
func (c *Composer) ClearEmbed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.embed = nil
}

// Reset clears text, file and embed.
func (c *Composer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = ""
	c.file = nil
	c.embed = nil
}

// Draft returns the current input.
func (c *Composer) Draft() Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := Draft{Text: c.text}
	if c.file != nil {
		f := *c.file
		d.File = &f
	}
	if c.embed != nil {
		e := *c.embed
		d.Embed = &e
	}
	return d
}

// buildOutgoing turns a draft into exactly one send_message payload. The embed wins
// over the file, which wins over the text. Files are uploaded first and only their
// URL and content type travel over the socket.
func buildOutgoing(ctx context.Context, to string, d Draft, up Uploader) (events.Outgoing, error) {
	out := events.Outgoing{To: to}

	switch {
	case d.Embed != nil:
		if err := domain.Validate(*d.Embed); err != nil {
			return events.Outgoing{}, err
		}
		out.Type = domain.MessageSpotifyEmbed
		out.SpotifyEmbedURL = d.Embed.URL()
		out.EmbedType = d.Embed.Type
		out.EmbedID = d.Embed.ID
		out.EmbedName = d.Embed.Name
		out.EmbedImage = d.Embed.Image

	case d.File != nil:
		if up == nil {
			return events.Outgoing{}, fmt.Errorf("%w: no uploader configured", domain.ErrUploadFailed)
		}
		res, err := upload(ctx, up, d.File)
		if err != nil {
			if !errors.Is(err, domain.ErrUploadFailed) {
				err = fmt.Errorf("%w: %s: %v", domain.ErrUploadFailed, d.File.Name, err)
			}
			return events.Outgoing{}, err
		}
		out.Type = domain.MessageFile
		if domain.IsImage(res.Type) {
			out.Type = domain.MessageImage
		}
		out.FileURL = res.URL
		out.Content = res.Type

	case strings.TrimSpace(d.Text) != "":
		out.Type = domain.MessageText
		out.Content = d.Text

	default:
		return events.Outgoing{}, domain.ErrNothingToSend
	}

	if err := domain.Validate(out); err != nil {
		return events.Outgoing{}, err
	}
	return out, nil
}

func upload(ctx context.Context, up Uploader, a *Attachment) (domain.Upload, error) {
	if a.Open == nil {
		return domain.Upload{}, errors.New("attachment has no content")
	}
	content, err := a.Open()
	if err != nil {
		return domain.Upload{}, err
	}
	defer content.Close()
	return up.Upload(ctx, a.Name, a.ContentType, content)
}
