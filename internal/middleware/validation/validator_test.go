package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestApp() *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{
		MaxMessageLength: 100,
		Logger:           zap.NewNop(),
	}))
	app.Post("/api/v1/chat", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.Post("/api/v1/feedback", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func postJSON(app *fiber.App, path, body string) (int, error) {
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

func TestChatRequestPasses(t *testing.T) {
	app := newTestApp()

	status, err := postJSON(app, "/api/v1/chat", `{"message": "What is the capital of France?"}`)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, status)
}

func TestChatRequestMissingMessage(t *testing.T) {
	app := newTestApp()

	status, err := postJSON(app, "/api/v1/chat", `{"user_id": "u-1"}`)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestChatRequestInvalidJSON(t *testing.T) {
	app := newTestApp()

	status, err := postJSON(app, "/api/v1/chat", `{not json`)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestChatRequestTooLong(t *testing.T) {
	app := newTestApp()

	status, err := postJSON(app, "/api/v1/chat", `{"message": "`+strings.Repeat("a", 200)+`"}`)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestChatRequestRejectsScriptPayload(t *testing.T) {
	app := newTestApp()

	status, err := postJSON(app, "/api/v1/chat", `{"message": "<script>alert(1)</script>"}`)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestChatRequestUnsupportedContentType(t *testing.T) {
	app := newTestApp()

	req := httptest.NewRequest("POST", "/api/v1/chat", strings.NewReader("message=hi"))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestFeedbackRequestPasses(t *testing.T) {
	app := newTestApp()

	status, err := postJSON(app, "/api/v1/feedback", `{"response_id": "r-1", "type": "positive", "rating": 5}`)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, status)
}

func TestFeedbackRequestBadType(t *testing.T) {
	app := newTestApp()

	status, err := postJSON(app, "/api/v1/feedback", `{"response_id": "r-1", "type": "rant"}`)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestFeedbackRequestBadRating(t *testing.T) {
	app := newTestApp()

	status, err := postJSON(app, "/api/v1/feedback", `{"response_id": "r-1", "type": "negative", "rating": 9}`)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestFeedbackRequestMissingResponseID(t *testing.T) {
	app := newTestApp()

	status, err := postJSON(app, "/api/v1/feedback", `{"type": "positive"}`)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, status)
}
