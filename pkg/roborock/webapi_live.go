package roborock

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jake-scott/roborock-proxy/internal/pkg/logging"
	"github.com/pkg/errors"
)

var defaultBaseURLs = []string{
	"https://usiot.roborock.com",
	"https://euiot.roborock.com",
	"https://cniot.roborock.com",
	"https://ruiot.roborock.com",
}

// APIError is a non-success answer from the cloud API
type APIError struct {
	Op   string
	Code int
	Msg  string
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s failed: %s (code %d)", e.Op, e.Msg, e.Code)
}

type apiResponse struct {
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Result  json.RawMessage `json:"result"`
}

// regionCache holds the account's API base URL once it has been looked up.
// Copies made by the With* builders share it.
type regionCache struct {
	mu  sync.Mutex
	url string
}

type Live struct {
	username   string
	baseURL    string
	timeout    time.Duration
	deviceID   string
	httpClient *http.Client
	regions    []string
	region     *regionCache
}

func NewLiveClient(username string) *Live {
	return &Live{
		username:   username,
		deviceID:   uuid.New().String(),
		httpClient: &http.Client{},
		regions:    defaultBaseURLs,
		region:     &regionCache{},
	}
}

func (c *Live) WithBaseURL(url string) WebAPI {
	nc := *c
	nc.baseURL = strings.TrimRight(url, "/")
	return &nc
}

func (c *Live) WithTimeout(d time.Duration) WebAPI {
	nc := *c
	nc.timeout = d
	return &nc
}

func (c *Live) WithHTTPClient(hc *http.Client) *Live {
	nc := *c
	nc.httpClient = hc
	return &nc
}

func (c *Live) MakeContext() (context.Context, context.CancelFunc) {
	var ctx = context.Background()
	var cancel context.CancelFunc = func() {}
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.timeout)
	}

	return ctx, cancel
}

type urlByEmail struct {
	URL         string      `json:"url"`
	Country     string      `json:"country"`
	CountryCode interface{} `json:"countrycode"`
}

// regionURL asks each region which one holds the account.  The answer is
// remembered for the life of the client.
func (c *Live) regionURL(ctx context.Context) (string, error) {
	if c.baseURL != "" {
		return c.baseURL, nil
	}

	c.region.mu.Lock()
	defer c.region.mu.Unlock()

	if c.region.url != "" {
		return c.region.url, nil
	}

	var lastErr error = errors.New("no region answered")
	for _, base := range c.regions {
		resp, err := c.do(ctx, http.MethodPost, base+"/api/v1/getUrlByEmail",
			url.Values{"email": {c.username}, "needtwostepauth": {"false"}}, nil)
		if err != nil {
			lastErr = err
			logging.Logger(ctx).Debugf("region %s: %s", base, err)
			continue
		}
		if resp.Code != 200 {
			return "", APIError{Op: "getUrlByEmail", Code: resp.Code, Msg: resp.Msg}
		}

		var data urlByEmail
		if err := json.Unmarshal(resp.Data, &data); err != nil || data.URL == "" {
			continue
		}

		c.region.url = strings.TrimRight(data.URL, "/")
		logging.Logger(ctx).Debugf("account %s lives at %s", c.username, c.region.url)
		return c.region.url, nil
	}

	return "", errors.Wrap(lastErr, "locating account region")
}

func (c *Live) PassLogin(ctx context.Context, password string) (*UserData, error) {
	base, err := c.regionURL(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, base+"/api/v1/login", url.Values{
		"username":        {c.username},
		"password":        {password},
		"needtwostepauth": {"false"},
	}, map[string]string{"header_clientid": c.headerClientID()})
	if err != nil {
		return nil, errors.Wrap(err, "logging in")
	}
	if resp.Code != 200 {
		return nil, APIError{Op: "login", Code: resp.Code, Msg: resp.Msg}
	}

	var user UserData
	if err := json.Unmarshal(resp.Data, &user); err != nil {
		return nil, errors.Wrap(err, "decoding user data")
	}
	if user.RRIOT.U == "" {
		return nil, errors.New("login response carried no rriot credentials")
	}

	logging.Logger(ctx).Debugf("logged in as %s in region %s", c.username, user.Region)

	return &user, nil
}

func (c *Live) homeID(ctx context.Context, user *UserData) (int64, error) {
	base, err := c.regionURL(ctx)
	if err != nil {
		return 0, err
	}

	resp, err := c.do(ctx, http.MethodGet, base+"/api/v1/getHomeDetail", nil, map[string]string{
		"header_clientid": c.headerClientID(),
		"Authorization":   user.Token,
	})
	if err != nil {
		return 0, errors.Wrap(err, "fetching home detail")
	}
	if resp.Code != 200 {
		return 0, APIError{Op: "getHomeDetail", Code: resp.Code, Msg: resp.Msg}
	}

	var detail struct {
		RRHomeID int64 `json:"rrHomeId"`
	}
	if err := json.Unmarshal(resp.Data, &detail); err != nil {
		return 0, errors.Wrap(err, "decoding home detail")
	}

	return detail.RRHomeID, nil
}

func (c *Live) GetHomeData(ctx context.Context, user *UserData) (*HomeData, error) {
	if user == nil {
		return nil, errors.New("user data required")
	}

	id, err := c.homeID(ctx, user)
	if err != nil {
		return nil, err
	}

	base := strings.TrimRight(user.RRIOT.R.A, "/")
	if base == "" {
		return nil, errors.New("missing rriot api url")
	}

	path := fmt.Sprintf("/v2/user/homes/%d", id)
	resp, err := c.do(ctx, http.MethodGet, base+path, nil, map[string]string{
		"Authorization": hawkAuth(user.RRIOT, path),
	})
	if err != nil {
		return nil, errors.Wrap(err, "fetching home data")
	}
	if !resp.Success {
		return nil, APIError{Op: "home data", Code: resp.Code, Msg: resp.Msg}
	}

	var home HomeData
	if err := json.Unmarshal(resp.Result, &home); err != nil {
		return nil, errors.Wrap(err, "decoding home data")
	}

	return &home, nil
}

func (c *Live) headerClientID() string {
	sum := md5Bytes([]byte(c.username + c.deviceID))
	return base64.StdEncoding.EncodeToString(sum)
}

func (c *Live) do(ctx context.Context, method, rawURL string, params url.Values, headers map[string]string) (*apiResponse, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 10<<20))
	if err != nil {
		return nil, errors.Wrap(err, "reading response")
	}
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: HTTP %d", method, u.Path, res.StatusCode)
	}

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Wrap(err, "decoding response")
	}

	return &out, nil
}

func randomAlphaNumeric(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = letters[rand.Intn(len(letters))]
	}
	return string(buf)
}

func hawkAuth(rriot RRiot, urlPath string) string {
	ts := time.Now().Unix()
	nonce := randomAlphaNumeric(6)
	prestr := strings.Join([]string{
		rriot.U,
		rriot.S,
		nonce,
		strconv.FormatInt(ts, 10),
		md5Hex([]byte(urlPath)),
		"",
		"",
	}, ":")

	h := hmac.New(sha256.New, []byte(rriot.H))
	_, _ = h.Write([]byte(prestr))
	mac := base64.StdEncoding.EncodeToString(h.Sum(nil))

	return fmt.Sprintf(`Hawk id="%s",s="%s",ts="%d",nonce="%s",mac="%s"`, rriot.U, rriot.S, ts, nonce, mac)
}
