// Package authclient wraps the storefront auth endpoints: credential login,
// registration, logout notification, profile lookup and token refresh.
package authclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Skotchmaster/storefront/pkg/apiclient"
)

const (
	tokenPath       = "/api/token"
	logoutPath      = "/api/logout"
	usersPath       = "/api/users"
	profilePath     = "/api/users/me"
	googleLoginPath = "/api/users/google-login"
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Registration struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type User struct {
	ID        uint64    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Phone     string    `json:"phone"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type Client struct {
	sender apiclient.Sender
}

func NewClient(sender apiclient.Sender) *Client {
	return &Client{sender: sender}
}

func (c *Client) Login(ctx context.Context, creds Credentials) (TokenPair, error) {
	return c.obtainPair(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   tokenPath,
		Body:   creds,
		Public: true,
	})
}

func (c *Client) GoogleLogin(ctx context.Context, idToken string) (TokenPair, error) {
	return c.obtainPair(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   googleLoginPath,
		Body:   map[string]string{"token": idToken},
		Public: true,
	})
}

func (c *Client) Register(ctx context.Context, reg Registration) (*User, error) {
	resp, err := c.sender.Send(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   usersPath,
		Body:   reg,
		Public: true,
	})
	if err != nil {
		return nil, err
	}

	var user User
	if err := resp.Decode(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

// NotifyLogout asks the server to revoke refresh. The caller clears local
// state regardless of the outcome.
func (c *Client) NotifyLogout(ctx context.Context, refresh string) error {
	_, err := c.sender.Send(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   logoutPath,
		Body:   map[string]string{"refresh": refresh},
	})
	return err
}

func (c *Client) Profile(ctx context.Context) (*User, error) {
	resp, err := c.sender.Send(ctx, apiclient.Request{
		Method: http.MethodGet,
		Path:   profilePath,
	})
	if err != nil {
		return nil, err
	}

	var user User
	if err := resp.Decode(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) obtainPair(ctx context.Context, req apiclient.Request) (TokenPair, error) {
	resp, err := c.sender.Send(ctx, req)
	if err != nil {
		return TokenPair{}, err
	}

	var pair TokenPair
	if err := resp.Decode(&pair); err != nil {
		return TokenPair{}, err
	}
	if pair.Access == "" || pair.Refresh == "" {
		return TokenPair{}, fmt.Errorf("token response is missing access or refresh token")
	}
	return pair, nil
}
