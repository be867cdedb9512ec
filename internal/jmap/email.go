package jmap

import (
	"context"
	"time"
)

// ChangesResult is the Email/changes response.
type ChangesResult struct {
	OldState       string   `json:"oldState"`
	NewState       string   `json:"newState"`
	HasMoreChanges bool     `json:"hasMoreChanges"`
	Created        []string `json:"created"`
	Updated        []string `json:"updated"`
	Destroyed      []string `json:"destroyed"`
}

// Changes lists email ids changed since state.
func (c *Client) Changes(ctx context.Context, token, apiURL, accountID, since string, maxChanges int) (*ChangesResult, error) {
	args := map[string]interface{}{
		"accountId":  accountID,
		"sinceState": since,
	}
	if maxChanges > 0 {
		args["maxChanges"] = maxChanges
	}
	var out ChangesResult
	if err := c.call(ctx, token, apiURL, "Email/changes", args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EmailAddress is a JMAP address object.
type EmailAddress struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// BodyPart is a JMAP body part reference.
type BodyPart struct {
	PartID string `json:"partId"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Size   int64  `json:"size"`
}

// BodyValue is decoded body content.
type BodyValue struct {
	Value string `json:"value"`
}

// Email is the subset of Email properties the sync layer reads.
type Email struct {
	ID          string               `json:"id"`
	ThreadID    string               `json:"threadId"`
	MessageID   []string             `json:"messageId"`
	InReplyTo   []string             `json:"inReplyTo"`
	References  []string             `json:"references"`
	From        []EmailAddress       `json:"from"`
	To          []EmailAddress       `json:"to"`
	Cc          []EmailAddress       `json:"cc"`
	Bcc         []EmailAddress       `json:"bcc"`
	ReplyTo     []EmailAddress       `json:"replyTo"`
	Subject     string               `json:"subject"`
	ReceivedAt  time.Time            `json:"receivedAt"`
	SentAt      *time.Time           `json:"sentAt"`
	Size        int64                `json:"size"`
	Keywords    map[string]bool      `json:"keywords"`
	MailboxIDs  map[string]bool      `json:"mailboxIds"`
	TextBody    []BodyPart           `json:"textBody"`
	HTMLBody    []BodyPart           `json:"htmlBody"`
	Attachments []BodyPart           `json:"attachments"`
	BodyValues  map[string]BodyValue `json:"bodyValues"`
}

var emailProperties = []string{
	"id", "threadId", "messageId", "inReplyTo", "references",
	"from", "to", "cc", "bcc", "replyTo", "subject", "receivedAt", "sentAt",
	"size", "keywords", "mailboxIds", "textBody", "htmlBody", "attachments", "bodyValues",
}

type getResult struct {
	State    string   `json:"state"`
	List     []Email  `json:"list"`
	NotFound []string `json:"notFound"`
}

// GetEmails loads emails by id with text and HTML body values.
func (c *Client) GetEmails(ctx context.Context, token, apiURL, accountID string, ids []string) ([]Email, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := map[string]interface{}{
		"accountId":           accountID,
		"ids":                 ids,
		"properties":          emailProperties,
		"fetchTextBodyValues": true,
		"fetchHTMLBodyValues": true,
	}
	var out getResult
	if err := c.call(ctx, token, apiURL, "Email/get", args, &out); err != nil {
		return nil, err
	}
	return out.List, nil
}

// CurrentState returns the account's current Email state.
func (c *Client) CurrentState(ctx context.Context, token, apiURL, accountID string) (string, error) {
	args := map[string]interface{}{
		"accountId": accountID,
		"ids":       []string{},
	}
	var out getResult
	if err := c.call(ctx, token, apiURL, "Email/get", args, &out); err != nil {
		return "", err
	}
	return out.State, nil
}
