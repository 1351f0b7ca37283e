package smtptest

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ptgott/relaycheck/message"
)

// mailpitAddress mirrors the address object in Mailpit's API responses.
type mailpitAddress struct {
	Name    string `json:"Name"`
	Address string `json:"Address"`
}

type mailpitSummary struct {
	ID        string           `json:"ID"`
	MessageID string           `json:"MessageID"`
	From      *mailpitAddress  `json:"From"`
	To        []mailpitAddress `json:"To"`
	Subject   string           `json:"Subject"`
	Created   time.Time        `json:"Created"`
	Size      int              `json:"Size"`
}

type mailpitList struct {
	Total         int              `json:"total"`
	MessagesCount int              `json:"messages_count"`
	Start         int              `json:"start"`
	Messages      []mailpitSummary `json:"messages"`
}

type mailpitMessage struct {
	ID      string           `json:"ID"`
	From    *mailpitAddress  `json:"From"`
	To      []mailpitAddress `json:"To"`
	Cc      []mailpitAddress `json:"Cc"`
	Bcc     []mailpitAddress `json:"Bcc"`
	ReplyTo []mailpitAddress `json:"ReplyTo"`
	Subject string           `json:"Subject"`
	Date    time.Time        `json:"Date"`
	Text    string           `json:"Text"`
	HTML    string           `json:"HTML"`
	Size    int              `json:"Size"`
}

// toMailpitAddresses always returns a non-nil slice, since Mailpit reports
// empty lists as [] rather than null.
func toMailpitAddresses(p []message.Profile) []mailpitAddress {
	a := make([]mailpitAddress, len(p))
	for i := range p {
		a[i] = mailpitAddress{Name: p[i].Name, Address: p[i].Address}
	}
	return a
}

func toMailpitFrom(p message.Profile) *mailpitAddress {
	if p.Address == "" {
		return nil
	}
	return &mailpitAddress{Name: p.Name, Address: p.Address}
}

// failureQueue hands out injected HTTP failures, one per request.
type failureQueue struct {
	mu       sync.Mutex
	statuses []int
}

func (f *failureQueue) push(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
}

func (f *failureQueue) pop() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return 0, false
	}
	s := f.statuses[0]
	f.statuses = f.statuses[1:]
	return s, true
}

// middleware aborts the request with the next injected failure, if any.
func (f *failureQueue) middleware(c *gin.Context) {
	if s, ok := f.pop(); ok {
		c.AbortWithStatusJSON(s, gin.H{"Error": "injected failure"})
		return
	}
	c.Next()
}

// MailpitAPI serves the subset of the Mailpit HTTP API that the mailbox
// package uses, backed by a Store.
type MailpitAPI struct {
	store    *Store
	server   *httptest.Server
	failures failureQueue
}

// NewMailpitAPI starts serving a fake Mailpit API for st on a random local
// port. Callers must Close it.
func NewMailpitAPI(st *Store) *MailpitAPI {
	gin.SetMode(gin.TestMode)
	api := &MailpitAPI{store: st}

	r := gin.New()
	r.Use(api.failures.middleware)
	r.GET("/api/v1/messages", api.listMessages)
	r.DELETE("/api/v1/messages", api.deleteMessages)
	r.GET("/api/v1/message/:id", api.getMessage)

	api.server = httptest.NewServer(r)
	return api
}

// URL returns the API's base URL, with a trailing slash.
func (api *MailpitAPI) URL() string {
	return api.server.URL + "/"
}

// FailNext makes the next request fail with status.
func (api *MailpitAPI) FailNext(status int) {
	api.failures.push(status)
}

// Close stops the API server.
func (api *MailpitAPI) Close() {
	api.server.Close()
}

func (api *MailpitAPI) listMessages(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"Error": "invalid limit"})
			return
		}
		limit = n
	}

	all := api.store.Messages()
	shown := all
	if len(shown) > limit {
		shown = shown[:limit]
	}

	res := mailpitList{
		Total:         len(all),
		MessagesCount: len(all),
		Messages:      make([]mailpitSummary, len(shown)),
	}
	for i, m := range shown {
		res.Messages[i] = mailpitSummary{
			ID:      m.ID,
			From:    toMailpitFrom(m.Inbound.Sender),
			To:      toMailpitAddresses(m.Inbound.Recipients),
			Subject: m.Inbound.Subject,
			Created: m.Received,
			Size:    len(m.Raw),
		}
	}
	c.JSON(http.StatusOK, res)
}

func (api *MailpitAPI) getMessage(c *gin.Context) {
	m, ok := api.store.Message(c.Param("id"))
	if !ok {
		c.String(http.StatusNotFound, "message not found")
		return
	}
	in := m.Inbound
	c.JSON(http.StatusOK, mailpitMessage{
		ID:      m.ID,
		From:    toMailpitFrom(in.Sender),
		To:      toMailpitAddresses(in.Recipients),
		Cc:      toMailpitAddresses(in.Cc),
		Bcc:     toMailpitAddresses(in.Bcc),
		ReplyTo: toMailpitAddresses(in.ReplyTo),
		Subject: in.Subject,
		Date:    m.Received,
		Text:    in.BodyText,
		HTML:    in.BodyHTML,
		Size:    len(m.Raw),
	})
}

func (api *MailpitAPI) deleteMessages(c *gin.Context) {
	api.store.DeleteAll()
	c.String(http.StatusOK, "ok")
}
