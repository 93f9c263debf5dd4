package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-mediaupload/transfer"
)

type ticketRequest struct {
	Type string `json:"type"`
	Size int64  `json:"size"`
}

type ticketResponse struct {
	TicketID         string `json:"ticket_id"`
	UploadLink       string `json:"upload_link"`
	UploadLinkSecure string `json:"upload_link_secure"`
	CompleteURI      string `json:"complete_uri"`
	URI              string `json:"uri"`
}

// IssueUploadTicket negotiates a streaming upload session for a new video.
func (c *Client) IssueUploadTicket(ctx context.Context, totalLength int64) (transfer.Ticket, error) {
	return c.issueTicket(ctx, http.MethodPost, c.url("/me/videos"), totalLength)
}

// IssueReplaceTicket negotiates a session that replaces the source file of an existing video.
func (c *Client) IssueReplaceTicket(ctx context.Context, artifactID, totalLength int64) (transfer.Ticket, error) {
	ticket, err := c.issueTicket(ctx, http.MethodPut, c.url(fmt.Sprintf("/videos/%d/files", artifactID)), totalLength)
	if err != nil {
		return transfer.Ticket{}, err
	}

	id := artifactID
	ticket.ArtifactID = &id
	return ticket, nil
}

func (c *Client) issueTicket(ctx context.Context, method, url string, totalLength int64) (transfer.Ticket, error) {
	req, err := c.newJSONRequest(ctx, method, url, ticketRequest{Type: "streaming", Size: totalLength})
	if err != nil {
		return transfer.Ticket{}, err
	}

	resp, err := c.do(c.apiClient, req, "issue ticket")
	if err != nil {
		return transfer.Ticket{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return transfer.Ticket{}, statusError("issue ticket", resp, "")
	}

	var response ticketResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return transfer.Ticket{}, &transfer.ProtocolMismatchError{Reason: "decode ticket response", Err: err}
	}

	endpoint := response.UploadLinkSecure
	if endpoint == "" {
		endpoint = response.UploadLink
	}
	if response.TicketID == "" || endpoint == "" {
		return transfer.Ticket{}, &transfer.ProtocolMismatchError{Reason: "ticket response without ticket id or upload link"}
	}

	c.logger.Debugf("Upload ticket %s issued for %d bytes", response.TicketID, totalLength)

	return transfer.Ticket{
		SessionID:   response.TicketID,
		Endpoint:    endpoint,
		CompleteURI: response.CompleteURI,
	}, nil
}

// SendChunk PUTs the chunk to the upload link with its content range.
func (c *Client) SendChunk(ctx context.Context, ticket transfer.Ticket, chunk transfer.Chunk) error {
	req, err := c.newRequest(ctx, http.MethodPut, ticket.Endpoint, chunk.Data)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", chunk.Offset, chunk.End()-1, chunk.Total))
	// retryablehttp does not set the content length of byte slice bodies
	req.ContentLength = int64(len(chunk.Data))

	resp, err := c.do(c.transferClient, req, "send chunk")
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusPermanentRedirect:
		return nil
	}

	return statusError("send chunk", resp, ticket.SessionID)
}

// QueryOffset asks the upload link for the received byte range.
func (c *Client) QueryOffset(ctx context.Context, ticket transfer.Ticket) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodPut, ticket.Endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Range", "bytes */*")
	req.ContentLength = 0

	resp, err := c.do(c.transferClient, req, "query offset")
	if err != nil {
		return 0, err
	}
	defer c.closeBody(resp.Body)

	switch resp.StatusCode {
	case http.StatusPermanentRedirect:
		return parseRangeHeader(resp.Header.Get("Range"))
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		if value := resp.Header.Get("Upload-Offset"); value != "" {
			offset, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, &transfer.ProtocolMismatchError{Reason: fmt.Sprintf("invalid Upload-Offset header: %s", value), Err: err}
			}
			return offset, nil
		}
		return 0, &transfer.ProtocolMismatchError{Reason: fmt.Sprintf("offset query answered with HTTP %d and no offset", resp.StatusCode)}
	}

	return 0, statusError("query offset", resp, ticket.SessionID)
}

// parseRangeHeader turns "bytes=0-N" into N+1. A missing header means nothing was received.
func parseRangeHeader(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	byteRange := strings.TrimPrefix(value, "bytes=")
	parts := strings.SplitN(byteRange, "-", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) != "0" {
		return 0, &transfer.ProtocolMismatchError{Reason: fmt.Sprintf("unsupported Range header: %s", value)}
	}

	last, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0, &transfer.ProtocolMismatchError{Reason: fmt.Sprintf("invalid Range header: %s", value), Err: err}
	}

	return last + 1, nil
}

// CompleteUpload closes the upload ticket and returns the identity of the created video.
func (c *Client) CompleteUpload(ctx context.Context, ticket transfer.Ticket) (transfer.ArtifactIdentity, error) {
	if ticket.CompleteURI == "" {
		return transfer.ArtifactIdentity{}, &transfer.ProtocolMismatchError{Reason: "ticket has no completion uri"}
	}

	req, err := c.newRequest(ctx, http.MethodDelete, c.url(ticket.CompleteURI), nil)
	if err != nil {
		return transfer.ArtifactIdentity{}, err
	}

	resp, err := c.do(c.apiClient, req, "complete upload")
	if err != nil {
		return transfer.ArtifactIdentity{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return transfer.ArtifactIdentity{}, statusError("complete upload", resp, ticket.SessionID)
	}

	location := resp.Header.Get("Location")
	if location == "" && ticket.ArtifactID != nil {
		location = fmt.Sprintf("/videos/%d", *ticket.ArtifactID)
	}

	identity, err := parseVideoURI(location)
	if err != nil {
		return transfer.ArtifactIdentity{}, err
	}

	c.logger.Debugf("Upload %s finalized as %s", ticket.SessionID, identity.URI)

	return identity, nil
}

func parseVideoURI(uri string) (transfer.ArtifactIdentity, error) {
	trimmed := strings.TrimSuffix(uri, "/")
	idx := strings.LastIndex(trimmed, "/videos/")
	if idx < 0 {
		return transfer.ArtifactIdentity{}, &transfer.ProtocolMismatchError{Reason: fmt.Sprintf("unexpected video uri: %q", uri)}
	}

	id, err := strconv.ParseInt(trimmed[idx+len("/videos/"):], 10, 64)
	if err != nil {
		return transfer.ArtifactIdentity{}, &transfer.ProtocolMismatchError{Reason: fmt.Sprintf("unexpected video uri: %q", uri), Err: err}
	}

	return transfer.ArtifactIdentity{ID: id, URI: fmt.Sprintf("/videos/%d", id)}, nil
}
