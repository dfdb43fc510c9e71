package embed

import (
	"context"
	"errors"
	"net/http"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/pkg/ollama"
)

// OllamaInvoker embeds text with a model served by a local Ollama runtime.
// It does not embed images.
type OllamaInvoker struct {
	client *ollama.Client
}

// NewOllamaInvoker wraps client.
func NewOllamaInvoker(client *ollama.Client) *OllamaInvoker {
	return &OllamaInvoker{client: client}
}

func (o *OllamaInvoker) Name() string { return "ollama" }

func (o *OllamaInvoker) Invoke(ctx context.Context, req Request) ([]byte, error) {
	if req.IsImage() {
		return nil, domain.Configuration("embed.provider", "provider %q does not embed images", o.Name())
	}
	body, err := o.client.Embeddings(ctx, req.Text)
	if err == nil {
		return body, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var se *ollama.StatusError
	if errors.As(err, &se) && se.Code < http.StatusInternalServerError && se.Code != http.StatusTooManyRequests {
		return nil, domain.Unavailable("embed", "ollama", err)
	}
	return nil, domain.Transport("embed ollama", err)
}
