package relay_test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotter/messenger/internal/domain"
	"github.com/spotter/messenger/internal/events"
	"github.com/spotter/messenger/internal/relay"
)

func request(t *testing.T, srv *relay.Server, method, target, user string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if user != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+user)
	}
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	srv.E.ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, filename, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := writer.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestHandler_RequiresBearerToken(t *testing.T) {
	srv, _ := newTestRelay(t)

	for _, target := range []string{"/api/messages/conversations", "/api/messages/bob"} {
		rec := request(t, srv, http.MethodGet, target, "", nil, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
	}
}

func TestHandler_Conversations(t *testing.T) {
	srv, _ := newTestRelay(t, relay.WithUsers(
		domain.Friend{ID: "u2", Username: "zoe"},
		domain.Friend{ID: "u3", Username: "adam", ProfileImage: "https://img.test/adam.png"},
	))

	rec := request(t, srv, http.MethodGet, "/api/messages/conversations", "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var friends []domain.Friend
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &friends))
	require.Len(t, friends, 2)
	assert.Equal(t, "adam", friends[0].Username)
	assert.Equal(t, "https://img.test/adam.png", friends[0].ProfileImage)
	assert.Equal(t, "zoe", friends[1].Username)

	// The caller is now known to others.
	rec = request(t, srv, http.MethodGet, "/api/messages/conversations", "u2", nil, "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &friends))
	assert.Len(t, friends, 2)
}

func TestHandler_History(t *testing.T) {
	srv, _ := newTestRelay(t, relay.WithUsers(domain.Friend{ID: "alice"}, domain.Friend{ID: "bob"}))
	srv.Store.Append("alice", events.Outgoing{To: "bob", Content: "one", Type: domain.MessageText})
	srv.Store.Append("bob", events.Outgoing{To: "alice", Content: "two", Type: domain.MessageText})
	srv.Store.Append("bob", events.Outgoing{To: "carol", Content: "elsewhere", Type: domain.MessageText})

	rec := request(t, srv, http.MethodGet, "/api/messages/bob", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var msgs []domain.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "two", msgs[1].Content)

	t.Run("empty conversation is an empty list", func(t *testing.T) {
		srv.Store.AddUser(domain.Friend{ID: "dave"})
		rec := request(t, srv, http.MethodGet, "/api/messages/dave", "alice", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
	})

	t.Run("unknown user", func(t *testing.T) {
		rec := request(t, srv, http.MethodGet, "/api/messages/nobody", "alice", nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandler_UploadAndDownload(t *testing.T) {
	memFs := afero.NewMemMapFs()
	srv, _ := newTestRelay(t, relay.WithFilesystem(memFs))

	body, ct := multipartBody(t, "cover.png", "image/png", []byte("fake png bytes"))
	rec := request(t, srv, http.MethodPost, "/api/messages/upload", "alice", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res domain.Upload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "image/png", res.Type)
	require.Contains(t, res.URL, "/files/")

	files, err := afero.ReadDir(memFs, "alice")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, ".png", files[0].Name()[len(files[0].Name())-4:])

	path := res.URL[len("http://example.com"):]
	rec = request(t, srv, http.MethodGet, path, "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, "fake png bytes", rec.Body.String())
}

func TestHandler_UploadRejections(t *testing.T) {
	t.Run("too large", func(t *testing.T) {
		srv, _ := newTestRelay(t, relay.WithMaxUploadSize(4))
		body, ct := multipartBody(t, "big.txt", "text/plain", []byte("more than four bytes"))
		rec := request(t, srv, http.MethodPost, "/api/messages/upload", "alice", body, ct)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("missing file", func(t *testing.T) {
		srv, _ := newTestRelay(t)
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		require.NoError(t, writer.WriteField("note", "no file here"))
		require.NoError(t, writer.Close())
		rec := request(t, srv, http.MethodPost, "/api/messages/upload", "alice", body, writer.FormDataContentType())
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unsafe owner path", func(t *testing.T) {
		srv, _ := newTestRelay(t)
		body, ct := multipartBody(t, "a.txt", "text/plain", []byte("x"))
		rec := request(t, srv, http.MethodPost, "/api/messages/upload", "../etc", body, ct)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandler_DownloadUnknownFile(t *testing.T) {
	srv, _ := newTestRelay(t)
	rec := request(t, srv, http.MethodGet, "/files/does-not-exist", "", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
