package smtptest

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	fakeAccountID int64 = 1001
	fakeInboxID   int64 = 2002
)

// MailtrapOptions describes the single account and inbox the fake Mailtrap
// API exposes.
type MailtrapOptions struct {
	// Required in the Api-Token header of every request
	Token string
	// SMTP credentials the inbox reports
	Username string
	Password string
	// SMTP endpoint the inbox reports
	Host string
	Port int
}

type mailtrapAccount struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type mailtrapInbox struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	Domain      string `json:"domain"`
	SMTPPorts   []int  `json:"smtp_ports"`
	EmailsCount int    `json:"emails_count"`
}

type mailtrapMessage struct {
	ID        int64     `json:"id"`
	InboxID   int64     `json:"inbox_id"`
	Subject   string    `json:"subject"`
	FromEmail string    `json:"from_email"`
	FromName  string    `json:"from_name"`
	ToEmail   string    `json:"to_email"`
	ToName    string    `json:"to_name"`
	CreatedAt time.Time `json:"created_at"`
}

// MailtrapAPI serves the subset of the Mailtrap accounts API that the
// mailbox package uses, backed by a Store.
type MailtrapAPI struct {
	store    *Store
	opts     MailtrapOptions
	server   *httptest.Server
	failures failureQueue
}

// NewMailtrapAPI starts serving a fake Mailtrap API for st on a random local
// port. Callers must Close it.
func NewMailtrapAPI(st *Store, opts MailtrapOptions) *MailtrapAPI {
	gin.SetMode(gin.TestMode)
	api := &MailtrapAPI{store: st, opts: opts}

	r := gin.New()
	r.Use(api.checkToken, api.failures.middleware)

	g := r.Group("/api/accounts")
	g.GET("", api.listAccounts)
	g.GET("/:account/inboxes", api.listInboxes)

	in := g.Group("/:account/inboxes/:inbox", api.checkInbox)
	in.GET("/messages", api.listMessages)
	in.GET("/messages/:id", api.getMessage)
	in.GET("/messages/:id/body.txt", api.getBodyText)
	in.DELETE("/messages/:id", api.deleteMessage)

	api.server = httptest.NewServer(r)
	return api
}

// URL returns the accounts endpoint, with a trailing slash.
func (api *MailtrapAPI) URL() string {
	return api.server.URL + "/api/accounts/"
}

// FailNext makes the next authenticated request fail with status.
func (api *MailtrapAPI) FailNext(status int) {
	api.failures.push(status)
}

// Close stops the API server.
func (api *MailtrapAPI) Close() {
	api.server.Close()
}

func (api *MailtrapAPI) checkToken(c *gin.Context) {
	if c.GetHeader("Api-Token") != api.opts.Token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Incorrect API token"})
		return
	}
	c.Next()
}

func (api *MailtrapAPI) checkInbox(c *gin.Context) {
	if c.Param("account") != strconv.FormatInt(fakeAccountID, 10) ||
		c.Param("inbox") != strconv.FormatInt(fakeInboxID, 10) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return
	}
	c.Next()
}

func (api *MailtrapAPI) listAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, []mailtrapAccount{
		{ID: fakeAccountID, Name: "relaycheck"},
	})
}

func (api *MailtrapAPI) listInboxes(c *gin.Context) {
	if c.Param("account") != strconv.FormatInt(fakeAccountID, 10) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return
	}
	c.JSON(http.StatusOK, []mailtrapInbox{
		{
			ID:          fakeInboxID,
			Name:        "My Inbox",
			Username:    api.opts.Username,
			Password:    api.opts.Password,
			Domain:      api.opts.Host,
			SMTPPorts:   []int{api.opts.Port},
			EmailsCount: len(api.store.Messages()),
		},
	})
}

func toMailtrapMessage(m StoredMessage) mailtrapMessage {
	r := mailtrapMessage{
		ID:        m.Seq,
		InboxID:   fakeInboxID,
		Subject:   m.Inbound.Subject,
		FromEmail: m.Inbound.Sender.Address,
		FromName:  m.Inbound.Sender.Name,
		CreatedAt: m.Received,
	}
	// Mailtrap only reports the first recipient.
	if len(m.Inbound.Recipients) > 0 {
		r.ToEmail = m.Inbound.Recipients[0].Address
		r.ToName = m.Inbound.Recipients[0].Name
	}
	return r
}

func (api *MailtrapAPI) listMessages(c *gin.Context) {
	all := api.store.Messages()
	res := make([]mailtrapMessage, len(all))
	for i := range all {
		res[i] = toMailtrapMessage(all[i])
	}
	c.JSON(http.StatusOK, res)
}

// lookup finds the message named in the path, or writes a 404.
func (api *MailtrapAPI) lookup(c *gin.Context) (StoredMessage, bool) {
	seq, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return StoredMessage{}, false
	}
	m, ok := api.store.MessageBySeq(seq)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return StoredMessage{}, false
	}
	return m, true
}

func (api *MailtrapAPI) getMessage(c *gin.Context) {
	m, ok := api.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toMailtrapMessage(m))
}

func (api *MailtrapAPI) getBodyText(c *gin.Context) {
	m, ok := api.lookup(c)
	if !ok {
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(m.Inbound.BodyText))
}

func (api *MailtrapAPI) deleteMessage(c *gin.Context) {
	m, ok := api.lookup(c)
	if !ok {
		return
	}
	api.store.Delete(m.ID)
	c.JSON(http.StatusOK, toMailtrapMessage(m))
}
