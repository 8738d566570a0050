package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Media is a profile photo
type Media struct {
	URL string `json:"url"`
}

// ProfileSummary is the short profile form embedded in interests and shortlists
type ProfileSummary struct {
	ID        string  `json:"id"`
	FirstName string  `json:"firstName"`
	Age       int     `json:"age,omitempty"`
	City      string  `json:"city,omitempty"`
	Media     []Media `json:"media,omitempty"`
}

// Profile is a full profile. Fields beyond the summary are kept opaque.
type Profile struct {
	ProfileSummary
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the full document alongside the decoded summary
func (p *Profile) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &p.ProfileSummary); err != nil {
		return err
	}
	p.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MyProfile returns the signed-in user's profile
func (c *Client) MyProfile(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodGet, "/profiles/me", nil, nil, &p); err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	return &p, nil
}

// Profile returns the profile with id
func (c *Client) Profile(ctx context.Context, id string) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodGet, "/profiles/"+url.PathEscape(id), nil, nil, &p); err != nil {
		return nil, fmt.Errorf("failed to fetch profile %s: %w", id, err)
	}
	return &p, nil
}

// SearchProfiles runs a profile search. params are passed through as-is.
func (c *Client) SearchProfiles(ctx context.Context, params url.Values) ([]Profile, error) {
	var out []Profile
	if err := c.do(ctx, http.MethodGet, "/profiles/search", params, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to search profiles: %w", err)
	}
	return out, nil
}

// SendInterest expresses interest in the profile with id
func (c *Client) SendInterest(ctx context.Context, profileID string) error {
	if err := c.do(ctx, http.MethodPost, "/matches/interest/"+url.PathEscape(profileID), nil, struct{}{}, nil); err != nil {
		return fmt.Errorf("failed to send interest: %w", err)
	}
	return nil
}

// ProfileFields is a profile form body. Keys are passed to the backend as-is.
type ProfileFields map[string]any

// Profile sections editable on their own
const (
	SectionFamily       = "family"
	SectionPreferences  = "preferences"
	SectionProfessional = "professional"
)

// CreateProfile submits the onboarding form
func (c *Client) CreateProfile(ctx context.Context, fields ProfileFields) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodPost, "/profiles", nil, fields, &p); err != nil {
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}
	return &p, nil
}

// UpdateProfile edits the signed-in user's basic details
func (c *Client) UpdateProfile(ctx context.Context, fields ProfileFields) error {
	if err := c.do(ctx, http.MethodPut, "/profiles/me", nil, fields, nil); err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	return nil
}

// UpdateProfileSection edits one of the family, preferences or professional sections
func (c *Client) UpdateProfileSection(ctx context.Context, section string, fields ProfileFields) error {
	switch section {
	case SectionFamily, SectionPreferences, SectionProfessional:
	default:
		return fmt.Errorf("unknown profile section %q", section)
	}
	if err := c.do(ctx, http.MethodPut, "/profiles/me/"+section, nil, fields, nil); err != nil {
		return fmt.Errorf("failed to update %s details: %w", section, err)
	}
	return nil
}

// UploadProfilePhoto stores a new profile photo read from file
func (c *Client) UploadProfilePhoto(ctx context.Context, filename string, file io.Reader) (*Media, error) {
	var m Media
	if err := c.upload(ctx, "/uploads/profile-photo", nil, filename, file, &m); err != nil {
		return nil, fmt.Errorf("failed to upload photo: %w", err)
	}
	return &m, nil
}
