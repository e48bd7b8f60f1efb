package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/youjin-ai/payflow/internal/constants"
	"github.com/youjin-ai/payflow/internal/models"
	"github.com/youjin-ai/payflow/internal/orderservice"
	"github.com/youjin-ai/payflow/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// stubClaims 进程内游客认领存根
type stubClaims struct {
	mu     sync.Mutex
	claims map[string]*models.GuestClaim
}

func newStubClaims() *stubClaims {
	return &stubClaims{claims: make(map[string]*models.GuestClaim)}
}

func (c *stubClaims) Create(claim *models.GuestClaim) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.claims[claim.OrderNo]; !ok {
		c.claims[claim.OrderNo] = claim
	}
	return nil
}

func (c *stubClaims) GetByOrderNo(orderNo string) (*models.GuestClaim, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claims[orderNo], nil
}

func (c *stubClaims) Claim(orderNo, userID string, now time.Time) (*models.GuestClaim, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	claim, ok := c.claims[orderNo]
	if !ok {
		return nil, nil
	}
	if claim.Status == constants.GuestClaimStatusPending {
		claim.Status = constants.GuestClaimStatusClaimed
		claim.ClaimedBy = userID
		claim.ClaimedAt = &now
	}
	return claim, nil
}

func (c *stubClaims) Purge(orderNo string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if claim, ok := c.claims[orderNo]; ok && claim.Status == constants.GuestClaimStatusPending {
		claim.Status = constants.GuestClaimStatusPurged
	}
	return nil
}

func (c *stubClaims) ListPendingBefore(time.Time) ([]models.GuestClaim, error) {
	return nil, nil
}

func (c *stubClaims) WithTx(*gorm.DB) *repository.GormGuestClaimRepository {
	return nil
}

type stubOrders struct {
	mu          sync.Mutex
	createCalls []orderservice.CreateOrderInput

	createFn   func(input orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error)
	checkFn    func(orderNo string) (*orderservice.OrderStatus, error)
	exchangeFn func(code string) (string, error)
	silentFn   func(currentURL string) (string, error)
	lookupFn   func(userID string) (string, error)

	exchangeCalls int32
	silentCalls   int32
	lookupCalls   int32
}

func (o *stubOrders) CreateOrder(_ context.Context, input orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
	o.mu.Lock()
	o.createCalls = append(o.createCalls, input)
	fn := o.createFn
	o.mu.Unlock()
	if fn != nil {
		return fn(input)
	}
	return &orderservice.CreateOrderResult{OrderNo: "ORD-DEFAULT", QRPayload: "weixin://wxpay/default"}, nil
}

func (o *stubOrders) CheckOrderStatus(_ context.Context, orderNo string) (*orderservice.OrderStatus, error) {
	o.mu.Lock()
	fn := o.checkFn
	o.mu.Unlock()
	if fn != nil {
		return fn(orderNo)
	}
	return &orderservice.OrderStatus{OrderNo: orderNo, Status: constants.OrderStatusPending}, nil
}

func (o *stubOrders) ExchangeAuthCode(_ context.Context, code string) (string, error) {
	atomic.AddInt32(&o.exchangeCalls, 1)
	if o.exchangeFn != nil {
		return o.exchangeFn(code)
	}
	return "", fmt.Errorf("exchange not configured")
}

func (o *stubOrders) SilentAuthURL(_ context.Context, currentURL string) (string, error) {
	atomic.AddInt32(&o.silentCalls, 1)
	if o.silentFn != nil {
		return o.silentFn(currentURL)
	}
	return "", fmt.Errorf("silent auth not configured")
}

func (o *stubOrders) LookupStoredIdentity(_ context.Context, userID string) (string, error) {
	atomic.AddInt32(&o.lookupCalls, 1)
	if o.lookupFn != nil {
		return o.lookupFn(userID)
	}
	return "", nil
}

func (o *stubOrders) createCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.createCalls)
}

func (o *stubOrders) createCall(i int) orderservice.CreateOrderInput {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.createCalls[i]
}

type stubTasks struct {
	mu         sync.Mutex
	conversion []string
	purges     []string
}

func (t *stubTasks) EnqueueConversionEvent(eventType, orderNo, _, _, _, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conversion = append(t.conversion, eventType+":"+orderNo)
	return nil
}

func (t *stubTasks) ScheduleGuestClaimPurge(orderNo string, _ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purges = append(t.purges, orderNo)
	return nil
}

func (t *stubTasks) conversions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.conversion...)
}

func testTimings() Timings {
	return Timings{
		PollInterval:     10 * time.Millisecond,
		WechatTimeout:    2 * time.Second,
		AlipayTimeout:    2 * time.Second,
		SuccessDelay:     20 * time.Millisecond,
		BridgeWait:       50 * time.Millisecond,
		HostReadyWait:    50 * time.Millisecond,
		HostIdentityWait: 50 * time.Millisecond,
		Countdown:        10 * time.Millisecond,
		IdentityCacheTTL: time.Minute,
		GuestClaimTTL:    time.Hour,
	}
}

func desktopEnv() Environment {
	return DetectEnvironment("Mozilla/5.0 (Windows NT 10.0; Win64; x64)", "", "https://app.example.com/vip", "visitor-desktop", true)
}

func wechatEnv(pageURL string) Environment {
	return DetectEnvironment("Mozilla/5.0 (iPhone; CPU iPhone OS 16_0) MicroMessenger/8.0.40", "", pageURL, "visitor-wechat", true)
}

func miniEnv() Environment {
	return DetectEnvironment("Mozilla/5.0 (iPhone) MicroMessenger/8.0.40 miniProgram", "miniprogram", "https://app.example.com/vip", "visitor-mini", true)
}

func mobileEnv() Environment {
	return DetectEnvironment("Mozilla/5.0 (Linux; Android 13)", "", "https://app.example.com/vip", "visitor-mobile", true)
}

func testInput(env Environment, userID string) SessionInput {
	return SessionInput{
		Package: PackageInfo{Key: "vip_month", Name: "月度会员", Price: models.NewMoneyFromDecimal(decimal.NewFromFloat(19.9))},
		Env:     env,
		UserID:  userID,
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNativeDesktopPaidFlow(t *testing.T) {
	var paid atomic.Bool
	orders := &stubOrders{
		createFn: func(orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			return &orderservice.CreateOrderResult{OrderNo: "ORD1", QRPayload: "weixin://wxpay/bizpayurl?pr=abc"}, nil
		},
		checkFn: func(orderNo string) (*orderservice.OrderStatus, error) {
			status := constants.OrderStatusPending
			if paid.Load() {
				status = constants.OrderStatusPaid
			}
			return &orderservice.OrderStatus{OrderNo: orderNo, Status: status}, nil
		},
	}
	var completed atomic.Int32
	var completedOrder atomic.Value
	session := NewSession(testInput(desktopEnv(), "user-1"), SessionDeps{
		Orders:  orders,
		Timings: testTimings(),
		OnComplete: func(orderNo string) {
			completed.Add(1)
			completedOrder.Store(orderNo)
		},
	})
	session.Start(context.Background())
	defer session.Close()

	snap := session.SnapshotAndDrain()
	if snap.Status != constants.SessionStatusReady {
		t.Fatalf("expected ready after order created, got %s", snap.Status)
	}
	if snap.Channel != constants.ChannelNative {
		t.Fatalf("expected native channel on desktop, got %s", snap.Channel)
	}
	if snap.OrderNo != "ORD1" {
		t.Fatalf("unexpected order no %s", snap.OrderNo)
	}
	if !strings.HasPrefix(snap.QRImage, "data:image/png;base64,") {
		t.Fatalf("expected rendered qr data url, got %q", snap.QRImage[:min(len(snap.QRImage), 40)])
	}
	foundQR := false
	for _, d := range snap.Directives {
		if d.Type == constants.DirectiveRenderQR {
			foundQR = true
		}
	}
	if !foundQR {
		t.Fatalf("expected render_qr directive, got %+v", snap.Directives)
	}

	// 先 pending 几拍再置为已支付
	time.Sleep(25 * time.Millisecond)
	if session.Snapshot().Status != constants.SessionStatusReady {
		t.Fatalf("session should stay ready while pending")
	}
	paid.Store(true)

	waitFor(t, time.Second, "success status", func() bool {
		return session.Snapshot().Status == constants.SessionStatusSuccess
	})
	waitFor(t, time.Second, "completion callback", func() bool {
		return completed.Load() == 1
	})
	if got := completedOrder.Load(); got != "ORD1" {
		t.Fatalf("completion callback got order %v", got)
	}

	starts, stops := session.pollCounters()
	if starts != stops {
		t.Fatalf("poller leaked after terminal state: starts=%d stops=%d", starts, stops)
	}
}

func TestAlreadyPaidShortCircuitsWithoutPolling(t *testing.T) {
	orders := &stubOrders{
		createFn: func(orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			return &orderservice.CreateOrderResult{AlreadyPaid: true}, nil
		},
	}
	var completed atomic.Int32
	session := NewSession(testInput(desktopEnv(), "user-1"), SessionDeps{
		Orders:     orders,
		Timings:    testTimings(),
		OnComplete: func(string) { completed.Add(1) },
	})
	session.Start(context.Background())
	defer session.Close()

	if got := session.Snapshot().Status; got != constants.SessionStatusSuccess {
		t.Fatalf("expected immediate success, got %s", got)
	}
	starts, _ := session.pollCounters()
	if starts != 0 {
		t.Fatalf("already-paid path must not start a poller, starts=%d", starts)
	}
	waitFor(t, time.Second, "completion callback", func() bool {
		return completed.Load() == 1
	})
}

func TestPaidTransitionIsIdempotent(t *testing.T) {
	orders := &stubOrders{
		createFn: func(orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			return &orderservice.CreateOrderResult{OrderNo: "ORD2", QRPayload: "weixin://pay"}, nil
		},
	}
	var completed atomic.Int32
	session := NewSession(testInput(desktopEnv(), "user-1"), SessionDeps{
		Orders:     orders,
		Timings:    testTimings(),
		OnComplete: func(string) { completed.Add(1) },
	})
	session.Start(context.Background())
	defer session.Close()

	session.markPaid("ORD2", "")
	session.markPaid("ORD2", "")

	waitFor(t, time.Second, "completion callback", func() bool {
		return completed.Load() >= 1
	})
	time.Sleep(60 * time.Millisecond)
	if got := completed.Load(); got != 1 {
		t.Fatalf("completion callback fired %d times, want exactly 1", got)
	}
}

func TestStalePaidResponseIgnored(t *testing.T) {
	orders := &stubOrders{
		createFn: func(orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			return &orderservice.CreateOrderResult{OrderNo: "ORD3", QRPayload: "weixin://pay"}, nil
		},
	}
	session := NewSession(testInput(desktopEnv(), "user-1"), SessionDeps{
		Orders:  orders,
		Timings: testTimings(),
	})
	session.Start(context.Background())
	defer session.Close()

	session.markPaid("ORD-OTHER", "")
	if got := session.Snapshot().Status; got != constants.SessionStatusReady {
		t.Fatalf("mismatched order paid response must be ignored, got %s", got)
	}
}

func TestGuestPaymentRecordsClaimAndConversion(t *testing.T) {
	orders := &stubOrders{
		createFn: func(orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			return &orderservice.CreateOrderResult{OrderNo: "ORD-GUEST", QRPayload: "weixin://pay"}, nil
		},
	}
	tasks := &stubTasks{}
	claims := newStubClaims()
	session := NewSession(testInput(desktopEnv(), ""), SessionDeps{
		Orders:  orders,
		Claims:  claims,
		Tasks:   tasks,
		Timings: testTimings(),
	})
	session.Start(context.Background())
	defer session.Close()

	session.markPaid("ORD-GUEST", "")

	if got := session.Snapshot().Status; got != constants.SessionStatusGuestSuccess {
		t.Fatalf("guest payment must land on guest_success, got %s", got)
	}
	conversions := tasks.conversions()
	if len(conversions) != 1 || conversions[0] != constants.ConversionEventGuestPayment+":ORD-GUEST" {
		t.Fatalf("unexpected conversion events %v", conversions)
	}
	tasks.mu.Lock()
	purges := append([]string(nil), tasks.purges...)
	tasks.mu.Unlock()
	if len(purges) != 1 || purges[0] != "ORD-GUEST" {
		t.Fatalf("expected claim purge scheduled for ORD-GUEST, got %v", purges)
	}
	claim, err := claims.GetByOrderNo("ORD-GUEST")
	if err != nil || claim == nil {
		t.Fatalf("guest payment must record a pending claim, err=%v", err)
	}
	if claim.Status != constants.GuestClaimStatusPending {
		t.Fatalf("fresh claim status = %s", claim.Status)
	}
}

func TestJSAPIFailResultFallsBackToNativeOnce(t *testing.T) {
	orders := &stubOrders{
		createFn: func(input orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			if input.Channel == constants.ChannelJSAPI {
				return &orderservice.CreateOrderResult{
					OrderNo:     "ORD4",
					JSAPIParams: map[string]string{"appId": "wx1", "package": "prepay_id=1"},
				}, nil
			}
			return &orderservice.CreateOrderResult{OrderNo: "ORD4", QRPayload: "weixin://pay/fallback"}, nil
		},
	}
	input := testInput(wechatEnv("https://app.example.com/vip"), "user-1")
	input.ExplicitOpenID = "openid-browser"
	session := NewSession(input, SessionDeps{Orders: orders, Timings: testTimings()})
	session.Start(context.Background())
	defer session.Close()

	if got := session.Snapshot().Channel; got != constants.ChannelJSAPI {
		t.Fatalf("expected jsapi channel, got %s", got)
	}
	session.ReportJSAPIResult(constants.JSAPIResultFail)

	waitFor(t, time.Second, "native fallback", func() bool {
		snap := session.Snapshot()
		return snap.Channel == constants.ChannelNative && snap.Status == constants.SessionStatusReady
	})
	if got := orders.createCount(); got != 2 {
		t.Fatalf("expected 2 create calls (jsapi + fallback), got %d", got)
	}
	fallback := orders.createCall(1)
	if fallback.ExistingOrderNo != "ORD4" || fallback.Channel != constants.ChannelNative {
		t.Fatalf("fallback must reuse order no on native channel, got %+v", fallback)
	}

	// 再次失败不允许二次降级
	session.ReportJSAPIResult(constants.JSAPIResultFail)
	time.Sleep(20 * time.Millisecond)
	if got := orders.createCount(); got != 2 {
		t.Fatalf("fallback must run at most once, create calls=%d", got)
	}
}

func TestJSAPICancelKeepsPolling(t *testing.T) {
	orders := &stubOrders{
		createFn: func(orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			return &orderservice.CreateOrderResult{
				OrderNo:     "ORD5",
				JSAPIParams: map[string]string{"appId": "wx1"},
			}, nil
		},
	}
	input := testInput(wechatEnv("https://app.example.com/vip"), "user-1")
	input.ExplicitOpenID = "openid-browser"
	session := NewSession(input, SessionDeps{Orders: orders, Timings: testTimings()})
	session.Start(context.Background())
	defer session.Close()

	session.ReportJSAPIResult(constants.JSAPIResultCancel)
	time.Sleep(20 * time.Millisecond)

	snap := session.Snapshot()
	if snap.Status != constants.SessionStatusPolling || snap.Channel != constants.ChannelJSAPI {
		t.Fatalf("cancel must keep session polling on jsapi, got %s/%s", snap.Status, snap.Channel)
	}
	if got := orders.createCount(); got != 1 {
		t.Fatalf("cancel must not trigger fallback, create calls=%d", got)
	}
}

func TestJSAPIBridgeTimeoutTriggersFallback(t *testing.T) {
	orders := &stubOrders{
		createFn: func(input orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			if input.Channel == constants.ChannelJSAPI {
				return &orderservice.CreateOrderResult{
					OrderNo:     "ORD6",
					JSAPIParams: map[string]string{"appId": "wx1"},
				}, nil
			}
			return &orderservice.CreateOrderResult{OrderNo: "ORD6", QRPayload: "weixin://pay/fallback"}, nil
		},
	}
	input := testInput(wechatEnv("https://app.example.com/vip"), "user-1")
	input.ExplicitOpenID = "openid-browser"
	session := NewSession(input, SessionDeps{Orders: orders, Timings: testTimings()})
	session.Start(context.Background())
	defer session.Close()

	// 不上报 bridge_ready，等待限时降级
	waitFor(t, time.Second, "bridge timeout fallback", func() bool {
		snap := session.Snapshot()
		return snap.Channel == constants.ChannelNative && snap.Status == constants.SessionStatusReady
	})
}

func TestBridgeReadyCancelsBridgeTimeout(t *testing.T) {
	orders := &stubOrders{
		createFn: func(orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			return &orderservice.CreateOrderResult{
				OrderNo:     "ORD7",
				JSAPIParams: map[string]string{"appId": "wx1"},
			}, nil
		},
	}
	input := testInput(wechatEnv("https://app.example.com/vip"), "user-1")
	input.ExplicitOpenID = "openid-browser"
	session := NewSession(input, SessionDeps{Orders: orders, Timings: testTimings()})
	session.Start(context.Background())
	defer session.Close()

	session.ReportBridgeReady()
	time.Sleep(80 * time.Millisecond)

	snap := session.Snapshot()
	if snap.Channel != constants.ChannelJSAPI {
		t.Fatalf("bridge_ready must keep jsapi channel, got %s", snap.Channel)
	}
	if got := orders.createCount(); got != 1 {
		t.Fatalf("no fallback expected after bridge_ready, create calls=%d", got)
	}
}

func TestSessionTimeoutExpiresAndClearsTimers(t *testing.T) {
	timings := testTimings()
	timings.WechatTimeout = 40 * time.Millisecond
	orders := &stubOrders{
		createFn: func(orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			return &orderservice.CreateOrderResult{OrderNo: "ORD8", QRPayload: "weixin://pay"}, nil
		},
	}
	session := NewSession(testInput(desktopEnv(), "user-1"), SessionDeps{Orders: orders, Timings: timings})
	session.Start(context.Background())
	defer session.Close()

	waitFor(t, time.Second, "expired status", func() bool {
		return session.Snapshot().Status == constants.SessionStatusExpired
	})
	starts, stops := session.pollCounters()
	if starts != stops {
		t.Fatalf("expired session must stop its poller: starts=%d stops=%d", starts, stops)
	}
	session.mu.Lock()
	remaining := len(session.timers)
	session.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expired session left %d timers armed", remaining)
	}
}

func TestAlipayTimeoutLongerThanWechat(t *testing.T) {
	timings := testTimings()
	timings.WechatTimeout = 5 * time.Minute
	timings.AlipayTimeout = 15 * time.Minute
	if got := timings.sessionTimeout(constants.ChannelAlipayH5); got != 15*time.Minute {
		t.Fatalf("alipay_h5 timeout = %v, want 15m", got)
	}
	if got := timings.sessionTimeout(constants.ChannelJSAPI); got != 5*time.Minute {
		t.Fatalf("jsapi timeout = %v, want 5m", got)
	}
}

func TestPollerSingleInstanceAfterReentrantStarts(t *testing.T) {
	orders := &stubOrders{}
	session := NewSession(testInput(desktopEnv(), "user-1"), SessionDeps{Orders: orders, Timings: testTimings()})

	session.mu.Lock()
	session.orderNo = "ORD9"
	for i := 0; i < 5; i++ {
		session.startPollingLocked()
	}
	session.mu.Unlock()

	starts, stops := session.pollCounters()
	if starts != 5 || stops != 4 {
		t.Fatalf("re-entrant starts must stop the previous poller: starts=%d stops=%d", starts, stops)
	}
	session.Close()
	starts, stops = session.pollCounters()
	if starts != stops {
		t.Fatalf("close must stop the last poller: starts=%d stops=%d", starts, stops)
	}
}

func TestCreateOrderErrorFailsSession(t *testing.T) {
	orders := &stubOrders{
		createFn: func(orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			return nil, orderservice.ErrRequestFailed
		},
	}
	session := NewSession(testInput(desktopEnv(), "user-1"), SessionDeps{Orders: orders, Timings: testTimings()})
	session.Start(context.Background())
	defer session.Close()

	snap := session.Snapshot()
	if snap.Status != constants.SessionStatusFailed {
		t.Fatalf("expected failed status, got %s", snap.Status)
	}
	if snap.ErrorMessage == "" {
		t.Fatalf("failed session must carry an actionable message")
	}
}

func TestIdentityMismatchRetriesWithNextSource(t *testing.T) {
	var attempts int32
	orders := &stubOrders{
		createFn: func(input orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return nil, fmt.Errorf("%w: openid namespace mismatch", orderservice.ErrIdentityMismatch)
			}
			return &orderservice.CreateOrderResult{
				OrderNo:     "ORD10",
				JSAPIParams: map[string]string{"appId": "wx1"},
			}, nil
		},
	}
	env := wechatEnv("https://app.example.com/vip?payment_openid=openid-good")
	input := testInput(env, "user-1")
	input.ExplicitOpenID = "openid-stale"
	session := NewSession(input, SessionDeps{Orders: orders, Timings: testTimings()})
	session.Start(context.Background())
	defer session.Close()

	if got := orders.createCount(); got != 2 {
		t.Fatalf("expected one retry after mismatch, create calls=%d", got)
	}
	if first := orders.createCall(0).Identity; first != "openid-stale" {
		t.Fatalf("first attempt identity = %s", first)
	}
	if second := orders.createCall(1).Identity; second != "openid-good" {
		t.Fatalf("retry must re-resolve from the next source, got %s", second)
	}
	if got := session.Snapshot().Status; got != constants.SessionStatusPolling {
		t.Fatalf("retried session should reach polling, got %s", got)
	}
}

func TestIdentityMismatchRetriesOnlyOnce(t *testing.T) {
	orders := &stubOrders{
		createFn: func(orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			return nil, fmt.Errorf("%w: openid namespace mismatch", orderservice.ErrIdentityMismatch)
		},
	}
	env := wechatEnv("https://app.example.com/vip?payment_openid=openid-good")
	input := testInput(env, "user-1")
	input.ExplicitOpenID = "openid-stale"
	session := NewSession(input, SessionDeps{Orders: orders, Timings: testTimings()})
	session.Start(context.Background())
	defer session.Close()

	if got := orders.createCount(); got != 2 {
		t.Fatalf("mismatch retry must be single-shot, create calls=%d", got)
	}
	if got := session.Snapshot().Status; got != constants.SessionStatusFailed {
		t.Fatalf("second mismatch must fail the session, got %s", got)
	}
}

func TestMiniProgramWithoutIdentityFails(t *testing.T) {
	timings := testTimings()
	timings.HostIdentityWait = 20 * time.Millisecond
	orders := &stubOrders{}
	env := miniEnv()
	env.VisitorID = "visitor-mini-absent"
	session := NewSession(testInput(env, ""), SessionDeps{Orders: orders, Timings: timings})
	session.Start(context.Background())
	defer session.Close()

	snap := session.Snapshot()
	if snap.Status != constants.SessionStatusFailed {
		t.Fatalf("miniprogram without identity must fail, got %s", snap.Status)
	}
	if got := orders.createCount(); got != 0 {
		t.Fatalf("no order may be created without identity, create calls=%d", got)
	}
}

func TestMiniProgramHostIdentityRoundTrip(t *testing.T) {
	orders := &stubOrders{
		createFn: func(orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			return &orderservice.CreateOrderResult{
				OrderNo:           "ORD11",
				MiniProgramParams: map[string]string{"timeStamp": "1700000000"},
			}, nil
		},
	}
	timings := testTimings()
	timings.HostIdentityWait = 300 * time.Millisecond
	session := NewSession(testInput(miniEnv(), "user-1"), SessionDeps{Orders: orders, Timings: timings})
	go session.Start(context.Background())
	defer session.Close()

	// 解析器限时等待期间送达宿主消息
	waitFor(t, time.Second, "host identity request directive", func() bool {
		for _, d := range session.Snapshot().Directives {
			if d.Type == constants.DirectivePostHostMessage {
				return true
			}
		}
		return false
	})
	session.ReportHostMessage(HostMessage{Type: constants.HostMessageTypeOpenID, OpenID: "mp-openid-1"})

	waitFor(t, time.Second, "order created with host identity", func() bool {
		return orders.createCount() == 1
	})
	if got := orders.createCall(0).Identity; got != "mp-openid-1" {
		t.Fatalf("order identity = %s, want mp-openid-1", got)
	}
	waitFor(t, time.Second, "polling status", func() bool {
		return session.Snapshot().Status == constants.SessionStatusPolling
	})
}

func TestMiniProgramHostUnavailableFails(t *testing.T) {
	timings := testTimings()
	timings.HostReadyWait = 30 * time.Millisecond
	orders := &stubOrders{
		createFn: func(orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			return &orderservice.CreateOrderResult{
				OrderNo:           "ORD12",
				MiniProgramParams: map[string]string{"timeStamp": "1700000000"},
			}, nil
		},
	}
	input := testInput(miniEnv(), "user-1")
	input.ExplicitOpenID = "mp-openid-1"
	session := NewSession(input, SessionDeps{Orders: orders, Timings: timings})
	session.Start(context.Background())
	defer session.Close()

	// 未上报 navigated/bridge_ready，主侧限时后判失败
	waitFor(t, time.Second, "host unavailable failure", func() bool {
		return session.Snapshot().Status == constants.SessionStatusFailed
	})
}

func TestWechatSilentAuthRedirect(t *testing.T) {
	orders := &stubOrders{
		silentFn: func(currentURL string) (string, error) {
			if !strings.Contains(currentURL, constants.QueryParamAuthCallbackMarker+"=1") {
				return "", fmt.Errorf("callback marker missing in %s", currentURL)
			}
			return "https://open.weixin.qq.com/connect/oauth2/authorize?redirect_uri=x", nil
		},
	}
	session := NewSession(testInput(wechatEnv("https://app.example.com/vip"), ""), SessionDeps{Orders: orders, Timings: testTimings()})
	session.Start(context.Background())
	defer session.Close()

	snap := session.SnapshotAndDrain()
	if snap.Status != constants.SessionStatusRedirecting {
		t.Fatalf("silent auth must move session to redirecting, got %s", snap.Status)
	}
	foundRedirect := false
	for _, d := range snap.Directives {
		if d.Type == constants.DirectiveRedirect && strings.Contains(d.Payload["url"], "open.weixin.qq.com") {
			foundRedirect = true
		}
	}
	if !foundRedirect {
		t.Fatalf("expected redirect directive, got %+v", snap.Directives)
	}
	if got := orders.createCount(); got != 0 {
		t.Fatalf("no order before auth redirect, create calls=%d", got)
	}
}

func TestWechatAuthCallbackCleansURL(t *testing.T) {
	orders := &stubOrders{
		exchangeFn: func(code string) (string, error) {
			if code != "AUTH123" {
				return "", fmt.Errorf("unexpected code %s", code)
			}
			return "openid-from-auth", nil
		},
		createFn: func(orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			return &orderservice.CreateOrderResult{
				OrderNo:     "ORD13",
				JSAPIParams: map[string]string{"appId": "wx1"},
			}, nil
		},
	}
	pageURL := "https://app.example.com/vip?payment_auth_callback=1&code=AUTH123&state=s1"
	session := NewSession(testInput(wechatEnv(pageURL), "user-1"), SessionDeps{Orders: orders, Timings: testTimings()})
	session.Start(context.Background())
	defer session.Close()

	if got := orders.createCall(0).Identity; got != "openid-from-auth" {
		t.Fatalf("order identity = %s, want openid-from-auth", got)
	}
	snap := session.SnapshotAndDrain()
	cleaned := ""
	for _, d := range snap.Directives {
		if d.Type == constants.DirectiveReplaceURL {
			cleaned = d.Payload["url"]
		}
	}
	if cleaned == "" {
		t.Fatalf("expected replace_url directive, got %+v", snap.Directives)
	}
	if strings.Contains(cleaned, "code=") || strings.Contains(cleaned, "payment_auth_callback=") {
		t.Fatalf("cleaned url still carries auth params: %s", cleaned)
	}
}

func TestWechatIdentityAbsentDowngradesToNative(t *testing.T) {
	orders := &stubOrders{
		createFn: func(orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			return &orderservice.CreateOrderResult{OrderNo: "ORD14", QRPayload: "weixin://pay"}, nil
		},
		silentFn: func(string) (string, error) {
			return "", fmt.Errorf("silent auth unavailable")
		},
	}
	session := NewSession(testInput(wechatEnv("https://app.example.com/vip"), ""), SessionDeps{Orders: orders, Timings: testTimings()})
	session.Start(context.Background())
	defer session.Close()

	snap := session.Snapshot()
	if snap.Channel != constants.ChannelNative || snap.Status != constants.SessionStatusReady {
		t.Fatalf("identity absent must downgrade to native, got %s/%s", snap.Channel, snap.Status)
	}
	if got := orders.createCall(0).Channel; got != constants.ChannelNative {
		t.Fatalf("downgraded order channel = %s", got)
	}
}

func TestAlipayH5CountdownThenNavigate(t *testing.T) {
	orders := &stubOrders{
		createFn: func(orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			return &orderservice.CreateOrderResult{OrderNo: "ORD15", PayURL: "https://openapi.alipay.com/gateway.do?x=1"}, nil
		},
	}
	env := mobileEnv()
	session := NewSession(testInput(env, "user-1"), SessionDeps{Orders: orders, Timings: testTimings()})
	session.Start(context.Background())
	defer session.Close()

	snap := session.SnapshotAndDrain()
	if snap.Channel != constants.ChannelAlipayH5 {
		t.Fatalf("mobile non-wechat with alipay enabled must pick alipay_h5, got %s", snap.Channel)
	}
	if snap.Status != constants.SessionStatusRedirecting {
		t.Fatalf("expected redirecting, got %s", snap.Status)
	}
	foundCountdown := false
	for _, d := range snap.Directives {
		if d.Type == constants.DirectiveCountdown {
			foundCountdown = true
		}
	}
	if !foundCountdown {
		t.Fatalf("alipay_h5 must announce a countdown, got %+v", snap.Directives)
	}
	if !strings.Contains(snap.PayURL, "redirect_url=") {
		t.Fatalf("pay url must carry redirect_url, got %s", snap.PayURL)
	}

	waitFor(t, time.Second, "auto navigate after countdown", func() bool {
		for _, d := range session.Snapshot().Directives {
			if d.Type == constants.DirectiveNavigate {
				return true
			}
		}
		return false
	})
}

func TestH5ImmediateNavigate(t *testing.T) {
	orders := &stubOrders{
		createFn: func(orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			return &orderservice.CreateOrderResult{OrderNo: "ORD16", PayURL: "https://wx.tenpay.com/h5pay?x=1"}, nil
		},
	}
	env := mobileEnv()
	env.AlipayEnabled = false
	session := NewSession(testInput(env, "user-1"), SessionDeps{Orders: orders, Timings: testTimings()})
	session.Start(context.Background())
	defer session.Close()

	snap := session.SnapshotAndDrain()
	if snap.Channel != constants.ChannelH5 {
		t.Fatalf("expected h5 channel, got %s", snap.Channel)
	}
	foundNavigate := false
	for _, d := range snap.Directives {
		if d.Type == constants.DirectiveNavigate && d.Payload["url"] == snap.PayURL {
			foundNavigate = true
		}
	}
	if !foundNavigate {
		t.Fatalf("h5 must navigate immediately, got %+v", snap.Directives)
	}
}

func TestCloseCancelsEverything(t *testing.T) {
	orders := &stubOrders{
		createFn: func(orderservice.CreateOrderInput) (*orderservice.CreateOrderResult, error) {
			return &orderservice.CreateOrderResult{OrderNo: "ORD17", QRPayload: "weixin://pay"}, nil
		},
	}
	session := NewSession(testInput(desktopEnv(), "user-1"), SessionDeps{Orders: orders, Timings: testTimings()})
	session.Start(context.Background())

	session.Close()
	starts, stops := session.pollCounters()
	if starts != stops {
		t.Fatalf("close leaked a poller: starts=%d stops=%d", starts, stops)
	}
	session.mu.Lock()
	remaining := len(session.timers)
	session.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("close left %d timers armed", remaining)
	}
}

func TestAppendRedirectParam(t *testing.T) {
	got := appendRedirectParam("https://pay.example.com/h5?a=1", "https://app.example.com/vip", "ORD18")
	if !strings.Contains(got, "&redirect_url=") {
		t.Fatalf("expected redirect_url appended, got %s", got)
	}
	already := "https://pay.example.com/h5?redirect_url=x"
	if got := appendRedirectParam(already, "https://app.example.com/vip", "ORD18"); got != already {
		t.Fatalf("existing redirect_url must be kept as-is, got %s", got)
	}
}

func TestBuildMiniProgramDeepLink(t *testing.T) {
	link := buildMiniProgramDeepLink("ORD19", map[string]string{"timeStamp": "1"}, "https://app.example.com/vip")
	if !strings.HasPrefix(link, constants.MiniProgramPayPageURI+"?") {
		t.Fatalf("deep link must target the host pay page, got %s", link)
	}
	for _, want := range []string{"orderNo=ORD19", "params=", "callback=", "fallback="} {
		if !strings.Contains(link, want) {
			t.Fatalf("deep link missing %s: %s", want, link)
		}
	}
}
