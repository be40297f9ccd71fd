package loopii

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// error responses carry a json body `{"detail": ...}` where detail may be a
// string, an array of field errors, or an object. The detail is normalized to
// a single message with the http status attached.
type ApiError struct {
	StatusCode int
	Message    string
}

func (self *ApiError) Error() string {
	return fmt.Sprintf("api error (%d): %s", self.StatusCode, self.Message)
}

// 403 on feed endpoints signals "profile access restricted"
func IsForbidden(err error) bool {
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

// 404 means "does not exist yet", not a failure
func IsNotFound(err error) bool {
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}

func normalizeErrorDetail(statusCode int, responseBodyBytes []byte) *ApiError {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(responseBodyBytes, &body); err == nil && 0 < len(body.Detail) {
		var detailStr string
		if err := json.Unmarshal(body.Detail, &detailStr); err == nil {
			return &ApiError{
				StatusCode: statusCode,
				Message:    detailStr,
			}
		}
		// array or object detail, keep the raw json as the message
		return &ApiError{
			StatusCode: statusCode,
			Message:    string(body.Detail),
		}
	}
	return &ApiError{
		StatusCode: statusCode,
		Message:    strings.TrimSpace(string(responseBodyBytes)),
	}
}

type LoopiiApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	sessionJwt string

	httpClient *http.Client
}

func NewLoopiiApi(apiUrl string) *LoopiiApi {
	return NewLoopiiApiWithContext(context.Background(), apiUrl)
}

func NewLoopiiApiWithContext(ctx context.Context, apiUrl string) *LoopiiApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &LoopiiApi{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiUrl:     apiUrl,
		httpClient: defaultClient(),
	}
}

// this gets attached to api calls that need it
func (self *LoopiiApi) SetSessionJwt(sessionJwt string) {
	self.sessionJwt = sessionJwt
}

func (self *LoopiiApi) SessionJwt() string {
	return self.sessionJwt
}

func (self *LoopiiApi) Close() {
	self.cancel()
}

type GetFeedCallback apiCallback[*GetFeedResult]

type GetFeedArgs struct {
	ExcludeIds []Id `json:"exclude_ids"`
	Limit      int  `json:"limit"`
}

type GetFeedResult struct {
	Peers []*Peer `json:"peers"`
}

func (self *LoopiiApi) GetFeed(getFeed *GetFeedArgs, callback GetFeedCallback) {
	go post(
		self,
		fmt.Sprintf("%s/feed/get-feed", self.apiUrl),
		getFeed,
		&GetFeedResult{},
		callback,
	)
}

func (self *LoopiiApi) GetFeedSync(getFeed *GetFeedArgs) (*GetFeedResult, error) {
	return post(
		self,
		fmt.Sprintf("%s/feed/get-feed", self.apiUrl),
		getFeed,
		&GetFeedResult{},
		NewNoopApiCallback[*GetFeedResult](),
	)
}

type EvaluatePeerCallback apiCallback[*EvaluatePeerResult]

type EvaluatePeerArgs struct {
	PeerId  Id   `json:"peerId"`
	Connect bool `json:"connect"`
}

type EvaluatePeerResult struct {
	// both users chose to connect
	Looped bool `json:"looped"`
}

func (self *LoopiiApi) EvaluatePeer(evaluatePeer *EvaluatePeerArgs, callback EvaluatePeerCallback) {
	go post(
		self,
		fmt.Sprintf("%s/feed/evaluate-peer", self.apiUrl),
		evaluatePeer,
		&EvaluatePeerResult{},
		callback,
	)
}

func (self *LoopiiApi) EvaluatePeerSync(evaluatePeer *EvaluatePeerArgs) (*EvaluatePeerResult, error) {
	return post(
		self,
		fmt.Sprintf("%s/feed/evaluate-peer", self.apiUrl),
		evaluatePeer,
		&EvaluatePeerResult{},
		NewNoopApiCallback[*EvaluatePeerResult](),
	)
}

type PageArgs struct {
	Limit   int
	AfterId string
}

func (self *PageArgs) query() string {
	query := url.Values{}
	query.Set("limit", fmt.Sprintf("%d", self.Limit))
	if self.AfterId != "" {
		query.Set("after_id", self.AfterId)
	}
	return query.Encode()
}

type GetUserLoopsCallback apiCallback[*GetUserLoopsResult]

type GetUserLoopsResult struct {
	Items       []*LoopItem `json:"items"`
	HasMore     bool        `json:"has_more"`
	NextCursor  string      `json:"next_cursor,omitempty"`
	Total       int         `json:"total"`
	UnseenTotal int         `json:"unseen_total"`
}

func (self *LoopiiApi) GetUserLoops(page *PageArgs, callback GetUserLoopsCallback) {
	go get(
		self,
		fmt.Sprintf("%s/loop/get-user-loops?%s", self.apiUrl, page.query()),
		&GetUserLoopsResult{},
		callback,
	)
}

func (self *LoopiiApi) GetUserLoopsSync(page *PageArgs) (*GetUserLoopsResult, error) {
	return get(
		self,
		fmt.Sprintf("%s/loop/get-user-loops?%s", self.apiUrl, page.query()),
		&GetUserLoopsResult{},
		NewNoopApiCallback[*GetUserLoopsResult](),
	)
}

type UpdateLoopStateCallback apiCallback[*UpdateLoopStateResult]

type UpdateLoopStateArgs struct {
	IsSeen      *bool `json:"is_seen,omitempty"`
	IsFavourite *bool `json:"is_favourite,omitempty"`
}

type UpdateLoopStateResult struct {
	Loop *Loop `json:"loop,omitempty"`
}

func (self *LoopiiApi) UpdateLoopState(loopId Id, updateLoopState *UpdateLoopStateArgs, callback UpdateLoopStateCallback) {
	go post(
		self,
		fmt.Sprintf("%s/loop/update-state/%s", self.apiUrl, loopId),
		updateLoopState,
		&UpdateLoopStateResult{},
		callback,
	)
}

func (self *LoopiiApi) UpdateLoopStateSync(loopId Id, updateLoopState *UpdateLoopStateArgs) (*UpdateLoopStateResult, error) {
	return post(
		self,
		fmt.Sprintf("%s/loop/update-state/%s", self.apiUrl, loopId),
		updateLoopState,
		&UpdateLoopStateResult{},
		NewNoopApiCallback[*UpdateLoopStateResult](),
	)
}

type DeleteLoopCallback apiCallback[*DeleteLoopResult]

type DeleteLoopResult struct {
	Deleted bool `json:"deleted"`
}

func (self *LoopiiApi) DeleteLoop(loopId Id, callback DeleteLoopCallback) {
	go del(
		self,
		fmt.Sprintf("%s/loop/delete/%s", self.apiUrl, loopId),
		&DeleteLoopResult{},
		callback,
	)
}

func (self *LoopiiApi) DeleteLoopSync(loopId Id) (*DeleteLoopResult, error) {
	return del(
		self,
		fmt.Sprintf("%s/loop/delete/%s", self.apiUrl, loopId),
		&DeleteLoopResult{},
		NewNoopApiCallback[*DeleteLoopResult](),
	)
}

type GetProfileFromLoopCallback apiCallback[*GetProfileFromLoopResult]

type GetProfileFromLoopResult struct {
	Loop    *Loop `json:"loop,omitempty"`
	Profile *Peer `json:"profile,omitempty"`
}

func (self *LoopiiApi) GetProfileFromLoop(loopId Id, callback GetProfileFromLoopCallback) {
	go get(
		self,
		fmt.Sprintf("%s/loop/get-profile-from-loop/%s", self.apiUrl, loopId),
		&GetProfileFromLoopResult{},
		callback,
	)
}

func (self *LoopiiApi) GetProfileFromLoopSync(loopId Id) (*GetProfileFromLoopResult, error) {
	return get(
		self,
		fmt.Sprintf("%s/loop/get-profile-from-loop/%s", self.apiUrl, loopId),
		&GetProfileFromLoopResult{},
		NewNoopApiCallback[*GetProfileFromLoopResult](),
	)
}

type GetUserRequestsCallback apiCallback[*GetUserRequestsResult]

type GetUserRequestsResult struct {
	Items       []*RequestItem `json:"items"`
	HasMore     bool           `json:"has_more"`
	NextCursor  string         `json:"next_cursor,omitempty"`
	Total       int            `json:"total"`
	UnseenTotal int            `json:"unseen_total"`
}

func (self *LoopiiApi) GetUserRequests(page *PageArgs, callback GetUserRequestsCallback) {
	go get(
		self,
		fmt.Sprintf("%s/request/get-user-requests?%s", self.apiUrl, page.query()),
		&GetUserRequestsResult{},
		callback,
	)
}

func (self *LoopiiApi) GetUserRequestsSync(page *PageArgs) (*GetUserRequestsResult, error) {
	return get(
		self,
		fmt.Sprintf("%s/request/get-user-requests?%s", self.apiUrl, page.query()),
		&GetUserRequestsResult{},
		NewNoopApiCallback[*GetUserRequestsResult](),
	)
}

type GetRequestByDeciderCallback apiCallback[*GetRequestByDeciderResult]

type GetRequestByDeciderResult struct {
	Decision *Decision `json:"decision,omitempty"`
	Profile  *Peer     `json:"profile,omitempty"`
}

func (self *LoopiiApi) GetRequestByDecider(deciderId Id, callback GetRequestByDeciderCallback) {
	go get(
		self,
		fmt.Sprintf("%s/request/get-request-by-decider/%s", self.apiUrl, deciderId),
		&GetRequestByDeciderResult{},
		callback,
	)
}

func (self *LoopiiApi) GetRequestByDeciderSync(deciderId Id) (*GetRequestByDeciderResult, error) {
	return get(
		self,
		fmt.Sprintf("%s/request/get-request-by-decider/%s", self.apiUrl, deciderId),
		&GetRequestByDeciderResult{},
		NewNoopApiCallback[*GetRequestByDeciderResult](),
	)
}

type GetUserNotificationsCallback apiCallback[*GetUserNotificationsResult]

type GetUserNotificationsResult struct {
	Items       []*Notification `json:"items"`
	HasMore     bool            `json:"has_more"`
	NextCursor  string          `json:"next_cursor,omitempty"`
	TotalCount  int             `json:"total_count"`
	UnreadCount int             `json:"unread_count"`
}

func (self *LoopiiApi) GetUserNotifications(page *PageArgs, callback GetUserNotificationsCallback) {
	go get(
		self,
		fmt.Sprintf("%s/notifications/get-user-notifications?%s", self.apiUrl, page.query()),
		&GetUserNotificationsResult{},
		callback,
	)
}

func (self *LoopiiApi) GetUserNotificationsSync(page *PageArgs) (*GetUserNotificationsResult, error) {
	return get(
		self,
		fmt.Sprintf("%s/notifications/get-user-notifications?%s", self.apiUrl, page.query()),
		&GetUserNotificationsResult{},
		NewNoopApiCallback[*GetUserNotificationsResult](),
	)
}

type MarkNotificationReadCallback apiCallback[*MarkNotificationReadResult]

type MarkNotificationReadResult struct {
	Updated bool `json:"updated"`
}

func (self *LoopiiApi) MarkNotificationRead(notificationId Id, callback MarkNotificationReadCallback) {
	go post(
		self,
		fmt.Sprintf("%s/notifications/mark-read/%s", self.apiUrl, notificationId),
		nil,
		&MarkNotificationReadResult{},
		callback,
	)
}

func (self *LoopiiApi) MarkNotificationReadSync(notificationId Id) (*MarkNotificationReadResult, error) {
	return post(
		self,
		fmt.Sprintf("%s/notifications/mark-read/%s", self.apiUrl, notificationId),
		nil,
		&MarkNotificationReadResult{},
		NewNoopApiCallback[*MarkNotificationReadResult](),
	)
}

type MarkAllNotificationsReadCallback apiCallback[*MarkAllNotificationsReadResult]

type MarkAllNotificationsReadResult struct {
	UpdatedCount int `json:"updated_count"`
}

func (self *LoopiiApi) MarkAllNotificationsRead(callback MarkAllNotificationsReadCallback) {
	go post(
		self,
		fmt.Sprintf("%s/notifications/mark-all-read", self.apiUrl),
		nil,
		&MarkAllNotificationsReadResult{},
		callback,
	)
}

func (self *LoopiiApi) MarkAllNotificationsReadSync() (*MarkAllNotificationsReadResult, error) {
	return post(
		self,
		fmt.Sprintf("%s/notifications/mark-all-read", self.apiUrl),
		nil,
		&MarkAllNotificationsReadResult{},
		NewNoopApiCallback[*MarkAllNotificationsReadResult](),
	)
}

type DeleteAllReadNotificationsCallback apiCallback[*DeleteAllReadNotificationsResult]

type DeleteAllReadNotificationsResult struct {
	DeletedCount int `json:"deleted_count"`
}

func (self *LoopiiApi) DeleteAllReadNotifications(callback DeleteAllReadNotificationsCallback) {
	go del(
		self,
		fmt.Sprintf("%s/notifications/delete-all-read", self.apiUrl),
		&DeleteAllReadNotificationsResult{},
		callback,
	)
}

func (self *LoopiiApi) DeleteAllReadNotificationsSync() (*DeleteAllReadNotificationsResult, error) {
	return del(
		self,
		fmt.Sprintf("%s/notifications/delete-all-read", self.apiUrl),
		&DeleteAllReadNotificationsResult{},
		NewNoopApiCallback[*DeleteAllReadNotificationsResult](),
	)
}

type PingCallback apiCallback[*PingResult]

type PingResult struct {
	Pong bool `json:"pong"`
}

func (self *LoopiiApi) Ping(callback PingCallback) {
	go get(
		self,
		fmt.Sprintf("%s/utils/ping", self.apiUrl),
		&PingResult{},
		callback,
	)
}

func (self *LoopiiApi) PingSync() (*PingResult, error) {
	return get(
		self,
		fmt.Sprintf("%s/utils/ping", self.apiUrl),
		&PingResult{},
		NewNoopApiCallback[*PingResult](),
	)
}

func post[R any](api *LoopiiApi, url string, args any, result R, callback apiCallback[R]) (R, error) {
	return request(api.ctx, api.httpClient, "POST", url, args, api.sessionJwt, result, callback)
}

func get[R any](api *LoopiiApi, url string, result R, callback apiCallback[R]) (R, error) {
	return request(api.ctx, api.httpClient, "GET", url, nil, api.sessionJwt, result, callback)
}

func del[R any](api *LoopiiApi, url string, result R, callback apiCallback[R]) (R, error) {
	return request(api.ctx, api.httpClient, "DELETE", url, nil, api.sessionJwt, result, callback)
}

func request[R any](
	ctx context.Context,
	client *http.Client,
	method string,
	url string,
	args any,
	sessionJwt string,
	result R,
	callback apiCallback[R],
) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if sessionJwt != "" {
		auth := fmt.Sprintf("Bearer %s", sessionJwt)
		req.Header.Add("Authorization", auth)
	}

	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		apiErr := normalizeErrorDetail(r.StatusCode, responseBodyBytes)
		callback.Result(result, apiErr)
		return result, apiErr
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
