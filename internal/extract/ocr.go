package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPOCREngine calls an external OCR service.
type HTTPOCREngine struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	engine     string
}

// OCRConfig holds OCR engine configuration.
type OCRConfig struct {
	BaseURL string
	APIKey  string
	Engine  string // reported in extraction metadata
	Timeout time.Duration
}

// NewHTTPOCREngine creates an OCR client.
func NewHTTPOCREngine(cfg OCRConfig) (*HTTPOCREngine, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("OCR base URL is required")
	}
	if cfg.Engine == "" {
		cfg.Engine = "remote-ocr"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}

	return &HTTPOCREngine{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		engine:     cfg.Engine,
	}, nil
}

// Name returns the engine label recorded in extraction metadata.
func (e *HTTPOCREngine) Name() string {
	return e.engine
}

type ocrRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"` // base64
}

type ocrResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ExtractText sends the file to the OCR service and returns its text.
func (e *HTTPOCREngine) ExtractText(ctx context.Context, filename string, content []byte) (string, float64, error) {
	reqBody, err := json.Marshal(ocrRequest{
		Filename: filename,
		Content:  base64.StdEncoding.EncodeToString(content),
	})
	if err != nil {
		return "", 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/extract", bytes.NewReader(reqBody))
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp ocrResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil {
			return "", 0, fmt.Errorf("OCR error: %s", errResp.Error.Message)
		}
		return "", 0, fmt.Errorf("OCR error: status %d", resp.StatusCode)
	}

	var ocrResp ocrResponse
	if err := json.Unmarshal(body, &ocrResp); err != nil {
		return "", 0, fmt.Errorf("unmarshal response: %w", err)
	}
	return ocrResp.Text, ocrResp.Confidence, nil
}

var _ OCREngine = (*HTTPOCREngine)(nil)
