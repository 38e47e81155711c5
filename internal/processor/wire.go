package processor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"imgflow/internal/api/models"
)

// wireRequest is the JSON body understood by the image service.
type wireRequest struct {
	Type        string        `json:"type"`
	Image       string        `json:"image"`
	SecondImage string        `json:"secondImage,omitempty"`
	Params      models.Params `json:"params"`
}

type wireResponse struct {
	Result   string          `json:"result"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Detail   string          `json:"detail,omitempty"`
}

func encodeRequest(req Request) ([]byte, error) {
	body := wireRequest{
		Type:   req.OpType,
		Image:  EncodeDataURI(req.Image),
		Params: req.Params,
	}
	if req.Secondary != nil {
		body.SecondImage = EncodeDataURI(req.Secondary)
	}
	if body.Params == nil {
		body.Params = models.Params{}
	}
	return json.Marshal(body)
}

func decodeResponse(opType string, data []byte) (Response, error) {
	var body wireResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return Response{}, Failf(opType, "invalid response: %v", err)
	}
	if body.Detail != "" {
		return Response{}, Failf(opType, "%s", body.Detail)
	}
	img, err := DecodeDataURI(body.Result)
	if err != nil {
		return Response{}, Failf(opType, "invalid result image: %v", err)
	}
	return Response{Image: img, Metadata: body.Metadata}, nil
}

// EncodeDataURI wraps PNG bytes as a base64 data URI.
func EncodeDataURI(data []byte) string {
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURI accepts a data URI or a bare base64 string.
func DecodeDataURI(uri string) ([]byte, error) {
	if uri == "" {
		return nil, errors.New("empty image")
	}
	payload := uri
	if strings.HasPrefix(uri, "data:") {
		idx := strings.Index(uri, ",")
		if idx < 0 {
			return nil, fmt.Errorf("malformed data uri")
		}
		payload = uri[idx+1:]
	}
	return base64.StdEncoding.DecodeString(payload)
}
