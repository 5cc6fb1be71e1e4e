package statesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Writable collections are blocks the server marks with a collection
// interface tag. Entries are created and deleted over the http side of
// the server, against the url the block was registered with; the
// websocket grammar has no message for either.

const writableCollectionTagSuffix = ".IWritableCollection"

func (self *Block) IsWritableCollection() bool {
	for _, tag := range self.interfaces {
		if strings.HasSuffix(tag, writableCollectionTagSuffix) {
			return true
		}
	}
	return false
}

// Create asks the server to add an entry built from the description. The
// new entry appears as a normal register/value push once the server
// processes it; Create does not wait for that.
func (self *Block) Create(ctx context.Context, description map[string]any) error {
	if !self.IsWritableCollection() {
		return fmt.Errorf("block %s is not a writable collection", self.url)
	}
	body, err := json.Marshal(description)
	if err != nil {
		return err
	}
	requestUrl, err := self.session.httpUrl(self.url)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, requestUrl, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := self.session.settings.HttpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if 300 <= response.StatusCode {
		return fmt.Errorf("create on %s: %s", self.url, response.Status)
	}
	return nil
}

// Delete asks the server to remove the entry under key. The removal
// shows up as a delete push.
func (self *Block) Delete(ctx context.Context, key string) error {
	if !self.IsWritableCollection() {
		return fmt.Errorf("block %s is not a writable collection", self.url)
	}
	requestUrl, err := self.session.httpUrl(self.url + "/" + url.PathEscape(key))
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, requestUrl, nil)
	if err != nil {
		return err
	}
	response, err := self.session.settings.HttpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if 300 <= response.StatusCode {
		return fmt.Errorf("delete %s on %s: %s", key, self.url, response.Status)
	}
	return nil
}

func (self *Session) httpUrl(objectUrl string) (string, error) {
	if self.settings.HttpBaseUrl == "" {
		return "", fmt.Errorf("session has no http base url")
	}
	base, err := url.Parse(self.settings.HttpBaseUrl)
	if err != nil {
		return "", err
	}
	relative, err := url.Parse(objectUrl)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(relative).String(), nil
}

// httpBaseFromWsUrl derives the http origin serving the same endpoint as
// a websocket url.
func httpBaseFromWsUrl(wsUrl string) (string, error) {
	parsed, err := url.Parse(wsUrl)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("not a websocket url: %s", wsUrl)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}
