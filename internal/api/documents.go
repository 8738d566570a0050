package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Document is an uploaded verification document
type Document struct {
	ID           string `json:"id"`
	DocumentType string `json:"documentType"`
	Status       string `json:"status"`
	URL          string `json:"url"`
}

// Documents lists the signed-in user's documents
func (c *Client) Documents(ctx context.Context) ([]Document, error) {
	var out []Document
	if err := c.do(ctx, http.MethodGet, "/documents", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch documents: %w", err)
	}
	return out, nil
}

// UploadDocument uploads file as a document of documentType
func (c *Client) UploadDocument(ctx context.Context, documentType, filename string, file io.Reader) (*Document, error) {
	if documentType == "" {
		return nil, fmt.Errorf("document type is required")
	}
	var d Document
	fields := map[string]string{"documentType": documentType}
	if err := c.upload(ctx, "/documents", fields, filename, file, &d); err != nil {
		return nil, fmt.Errorf("failed to upload document: %w", err)
	}
	return &d, nil
}

// DeleteDocument removes the document with id
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/documents/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}
