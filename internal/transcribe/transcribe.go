// Package transcribe relays audio to an OpenAI-compatible speech-to-text
// endpoint.
package transcribe

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/grovetools/paramhub/config"
	"github.com/grovetools/paramhub/errors"
	"github.com/sirupsen/logrus"
)

// Client posts uploads as multipart form data with the fields "file" and
// "model" and expects {"text": "..."} back.
type Client struct {
	url    string
	model  string
	apiKey string
	http   *http.Client
	logger *logrus.Entry
}

// New creates a client from cfg. It fails when no URL is configured.
func New(cfg config.TranscribeConfig, logger *logrus.Entry) (*Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New(errors.ErrCodeTranscribeUnavailable, "no transcription endpoint is configured")
	}
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = logrus.NewEntry(l)
	}
	return &Client{
		url:    cfg.URL,
		model:  cfg.Model,
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: cfg.RequestTimeout()},
		logger: logger,
	}, nil
}

type response struct {
	Text  *string `json:"text"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Transcribe streams audio to the endpoint and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, filename, contentType string, audio io.Reader) (string, error) {
	body, form := io.Pipe()
	mw := multipart.NewWriter(form)
	go func() {
		form.CloseWithError(writeForm(mw, c.model, filename, contentType, audio))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		_ = body.Close()
		return "", errors.Wrap(err, errors.ErrCodeTranscribeFailed, "failed to build transcription request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeTranscribeFailed, "transcription service unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeTranscribeFailed, "failed to read transcription response")
	}

	var out response
	decodeErr := sonic.ConfigStd.Unmarshal(raw, &out)
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("transcription service returned %d", resp.StatusCode)
		if decodeErr == nil && out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return "", errors.New(errors.ErrCodeTranscribeFailed, msg).WithDetail("status", resp.StatusCode)
	}
	if decodeErr != nil {
		return "", errors.Wrap(decodeErr, errors.ErrCodeTranscribeFailed, "transcription response is not JSON")
	}
	if out.Error != nil {
		msg := out.Error.Message
		if msg == "" {
			msg = "transcription service reported an error"
		}
		return "", errors.New(errors.ErrCodeTranscribeFailed, msg).WithDetail("status", resp.StatusCode)
	}
	if out.Text == nil {
		return "", errors.New(errors.ErrCodeTranscribeFailed, "transcription response has no text")
	}

	// An empty text is a valid result for silent audio.
	text := strings.TrimSpace(*out.Text)
	c.logger.WithFields(logrus.Fields{
		"duration": time.Since(start),
		"chars":    len(text),
	}).Debug("Transcribed audio")
	return text, nil
}

func writeForm(mw *multipart.Writer, model, filename, contentType string, audio io.Reader) error {
	if model != "" {
		if err := mw.WriteField("model", model); err != nil {
			return err
		}
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return err
	}
	return mw.Close()
}
