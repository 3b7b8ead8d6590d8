package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/httpx"
	"github.com/forbiddencoding/social-autoposter/common/platform"
)

const (
	chunkSize      = 4 << 20
	maxImageBytes  = 5 << 20
	maxStatusPolls = 10
)

type mediaResponse struct {
	MediaID        string `json:"media_id_string"`
	ProcessingInfo *struct {
		State          string `json:"state"`
		CheckAfterSecs int    `json:"check_after_secs"`
		Error          *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"processing_info"`
}

// UserID is the model's numeric Twitter account ID.
func (u *UserClient) UserID() string {
	return u.userID
}

// UploadMedia fetches mediaURL and uploads it through the chunked INIT, APPEND, FINALIZE sequence, returning the
// media ID to attach to a tweet.
func (u *UserClient) UploadMedia(ctx context.Context, mediaURL string) (string, error) {
	if u.signer == nil {
		return "", &platform.Error{Kind: platform.KindAuth, Err: errors.New("model has no OAuth 1.0a media credentials")}
	}

	data, mediaType, err := u.fetch(ctx, mediaURL)
	if err != nil {
		return "", &platform.Error{Kind: platform.KindUpload, Err: err}
	}

	var initOut mediaResponse
	if err = u.mediaForm(ctx, url.Values{
		"command":        {"INIT"},
		"total_bytes":    {strconv.Itoa(len(data))},
		"media_type":     {mediaType},
		"media_category": {"tweet_image"},
	}, &initOut); err != nil {
		return "", err
	}
	if initOut.MediaID == "" {
		return "", &platform.Error{Kind: platform.KindUpload, Err: errors.New("INIT returned no media id")}
	}

	for segment, offset := 0, 0; offset < len(data); segment, offset = segment+1, offset+chunkSize {
		end := min(offset+chunkSize, len(data))
		if err = u.appendChunk(ctx, initOut.MediaID, segment, data[offset:end]); err != nil {
			return "", err
		}
	}

	var finalOut mediaResponse
	if err = u.mediaForm(ctx, url.Values{
		"command":  {"FINALIZE"},
		"media_id": {initOut.MediaID},
	}, &finalOut); err != nil {
		return "", err
	}

	if err = u.awaitProcessing(ctx, initOut.MediaID, &finalOut); err != nil {
		return "", err
	}
	return initOut.MediaID, nil
}

func (u *UserClient) fetch(ctx context.Context, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := u.plain.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("media exceeds %d bytes", maxImageBytes)
	}

	mediaType := resp.Header.Get("Content-Type")
	if mediaType == "" || !strings.HasPrefix(mediaType, "image/") {
		mediaType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return nil, "", fmt.Errorf("unsupported media type %q", mediaType)
	}
	return data, mediaType, nil
}

func (u *UserClient) mediaForm(ctx context.Context, form url.Values, out *mediaResponse) error {
	return u.signed(ctx, http.MethodPost, u.conf.UploadURL, form, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.conf.UploadURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, out)
}

func (u *UserClient) appendChunk(ctx context.Context, mediaID string, segment int, chunk []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range map[string]string{
		"command":       "APPEND",
		"media_id":      mediaID,
		"segment_index": strconv.Itoa(segment),
	} {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("media", "media")
	if err != nil {
		return err
	}
	if _, err = part.Write(chunk); err != nil {
		return err
	}
	if err = mw.Close(); err != nil {
		return err
	}

	payload := body.Bytes()
	return u.signed(ctx, http.MethodPost, u.conf.UploadURL, nil, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.conf.UploadURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	}, nil)
}

func (u *UserClient) awaitProcessing(ctx context.Context, mediaID string, out *mediaResponse) error {
	for range maxStatusPolls {
		info := out.ProcessingInfo
		if info == nil || info.State == "succeeded" {
			return nil
		}
		if info.State == "failed" {
			msg := "media processing failed"
			if info.Error != nil && info.Error.Message != "" {
				msg = info.Error.Message
			}
			return &platform.Error{Kind: platform.KindUpload, Err: errors.New(msg)}
		}

		wait := time.Duration(max(info.CheckAfterSecs, 1)) * time.Second
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		statusURL := u.conf.UploadURL + "?" + url.Values{"command": {"STATUS"}, "media_id": {mediaID}}.Encode()
		*out = mediaResponse{}
		if err := u.signed(ctx, http.MethodGet, statusURL, nil, func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		}, out); err != nil {
			return err
		}
	}
	return &platform.Error{Kind: platform.KindUpload, Err: errors.New("media processing did not finish")}
}

// signed runs a request against the v1.1 upload endpoint with an OAuth 1.0a header computed over form.
func (u *UserClient) signed(ctx context.Context, method, rawURL string, form url.Values, newReq func(ctx context.Context) (*http.Request, error), out *mediaResponse) error {
	resp, err := httpx.Do(ctx, u.writes, u.plain, func(ctx context.Context) (*http.Request, error) {
		req, err := newReq(ctx)
		if err != nil {
			return nil, err
		}
		auth, err := u.signer.authorization(method, rawURL, form)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", auth)
		return req, nil
	})
	if err != nil {
		return &platform.Error{Kind: platform.KindOf(err), Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr := statusError(resp, body).(*platform.Error)
		if perr.Kind == platform.KindUnknown || perr.Kind == platform.KindRestricted {
			perr.Kind = platform.KindUpload
		}
		return perr
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err = json.Unmarshal(body, out); err != nil {
		return &platform.Error{Kind: platform.KindUpload, Err: fmt.Errorf("decode media response: %w", err)}
	}
	return nil
}
