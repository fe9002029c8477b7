// Package sis is a read-only client for the school information system's
// REST API, the roster source of truth. Sync jobs pull students and
// portraits from here; nothing is ever written back.
package sis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client represents a client for the school information system API.
type Client struct {
	Url       string
	parsedURL *url.URL
	token     string
}

// NewClient creates a new SIS client with a static API token.
func NewClient(rawURL, token string) (*Client, error) {
	if rawURL == "" {
		return nil, errors.New("SIS URL is required")
	}
	apiURL := rawURL + "/api/v1"
	parsed, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid SIS URL: %w", err)
	}
	return &Client{Url: apiURL, parsedURL: parsed, token: token}, nil
}

// resolveURL builds a full URL from the base API URL and the given path segments.
// If the last segment contains a query string (e.g. "students?page=2"), it is
// split so JoinPath only receives the path portion and the query is appended.
func (c *Client) resolveURL(pathSegments ...string) string {
	if len(pathSegments) == 0 {
		return c.parsedURL.String()
	}
	last := pathSegments[len(pathSegments)-1]
	if pathPart, query, ok := strings.Cut(last, "?"); ok {
		pathSegments[len(pathSegments)-1] = pathPart
		result := c.parsedURL.JoinPath(pathSegments...)
		result.RawQuery = query
		return result.String()
	}
	return c.parsedURL.JoinPath(pathSegments...).String()
}

// Student is one roster entry as the SIS reports it.
type Student struct {
	StudentID  string `json:"student_id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Department string `json:"department"`
	Year       string `json:"year"`
	Section    string `json:"section"`
	// HasPortrait reports whether a portrait can be downloaded for this
	// student; the sync skips portrait requests when false.
	HasPortrait bool `json:"has_portrait"`
}

// StudentPage is one page of the paged roster listing.
type StudentPage struct {
	Students []Student `json:"students"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PerPage  int       `json:"per_page"`
}

// ListStudents retrieves one page of the roster.
func (c *Client) ListStudents(page, perPage int) (*StudentPage, error) {
	endpoint := fmt.Sprintf("students?page=%d&per_page=%d", page, perPage)
	return doGetJSON[StudentPage](c, endpoint)
}

// AllStudents pages through the whole roster. pageSize <= 0 falls back to 100.
func (c *Client) AllStudents(pageSize int) ([]Student, error) {
	if pageSize <= 0 {
		pageSize = 100
	}

	var students []Student
	for page := 1; ; page++ {
		result, err := c.ListStudents(page, pageSize)
		if err != nil {
			return nil, fmt.Errorf("list students page %d: %w", page, err)
		}
		students = append(students, result.Students...)
		if len(result.Students) < pageSize || len(students) >= result.Total {
			break
		}
	}
	return students, nil
}

// DownloadPortrait downloads the student's current portrait.
// Returns the image data as bytes and the content type.
func (c *Client) DownloadPortrait(studentID string) ([]byte, string, error) {
	url := c.resolveURL("students", studentID, "portrait")

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("could not create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("could not send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("request failed with status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("could not read response body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	return data, contentType, nil
}

// readErrorBody reads the response body for error messages.
// Returns a placeholder if reading fails (we're already in an error path).
func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(r)
	if err != nil {
		return "(could not read error body)"
	}
	return string(body)
}
