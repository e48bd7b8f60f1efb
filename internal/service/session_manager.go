package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/youjin-ai/payflow/internal/constants"
	"github.com/youjin-ai/payflow/internal/logger"
	"github.com/youjin-ai/payflow/internal/models"
	"github.com/youjin-ai/payflow/internal/repository"
)

// SessionEvent 前端上报的会话事件
type SessionEvent struct {
	Type        string      `json:"type"`
	Result      string      `json:"result,omitempty"`       // jsapi_result 的桥接返回码
	HostMessage HostMessage `json:"host_message,omitempty"` // host_message 的消息体
}

// SessionManager 持有活跃会话并驱动其生命周期
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	deps     SessionDeps

	records repository.SessionRecordRepository
	claims  repository.GuestClaimRepository
}

// NewSessionManager 创建会话管理器
func NewSessionManager(deps SessionDeps) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		deps:     deps,
		records:  deps.Records,
		claims:   deps.Claims,
	}
}

// CreateSession 创建并启动会话。
// 启动在后台进行：身份解析可能要等宿主消息，而宿主消息由后续请求送达，
// 同步等待会把创建请求和它依赖的事件互相卡死。
func (m *SessionManager) CreateSession(ctx context.Context, input SessionInput) (*Session, error) {
	if strings.TrimSpace(input.Package.Key) == "" || input.Package.Price.IsZero() {
		return nil, ErrPackageInvalid
	}
	session := NewSession(input, m.deps)

	m.mu.Lock()
	m.sessions[session.ID()] = session
	m.mu.Unlock()

	go session.Start(context.WithoutCancel(ctx))
	return session, nil
}

// Get 按 ID 获取活跃会话
func (m *SessionManager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[strings.TrimSpace(sessionID)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// HandleEvent 分发前端上报事件
func (m *SessionManager) HandleEvent(sessionID string, event SessionEvent) error {
	session, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	switch strings.TrimSpace(event.Type) {
	case constants.SessionEventBridgeReady:
		session.ReportBridgeReady()
	case constants.SessionEventJSAPIResult:
		session.ReportJSAPIResult(event.Result)
	case constants.SessionEventHostMessage:
		session.ReportHostMessage(event.HostMessage)
	case constants.SessionEventNavigated:
		session.ReportNavigated()
	default:
		return ErrEventInvalid
	}
	return nil
}

// Retry 基于终态会话的原始输入构造全新会话（新订单），旧会话移除。
func (m *SessionManager) Retry(ctx context.Context, sessionID string) (*Session, error) {
	session, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !session.IsTerminal() {
		return nil, ErrSessionActive
	}
	input := session.Input()
	session.Close()

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	logger.Infow("payment_session_retry", "old_session_id", sessionID)
	return m.CreateSession(ctx, input)
}

// Close 关闭并移除会话（对话框关闭、页面卸载）
func (m *SessionManager) Close(sessionID string) error {
	session, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	session.Close()

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return nil
}

// SweepTerminal 移除滞留的终态会话，返回清理数量
func (m *SessionManager) SweepTerminal(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, session := range m.sessions {
		snap := session.Snapshot()
		if isTerminalStatus(snap.Status) && snap.CreatedAt.Before(cutoff) {
			session.Close()
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// ActiveCount 活跃会话数
func (m *SessionManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ListRecords 查询会话落库记录（监控用）
func (m *SessionManager) ListRecords(filter repository.SessionRecordListFilter) ([]models.SessionRecord, int64, error) {
	if m.records == nil {
		return nil, 0, nil
	}
	return m.records.List(filter)
}

// ClaimGuestOrder 认证完成后认领游客支付的订单
func (m *SessionManager) ClaimGuestOrder(orderNo, userID string) (*models.GuestClaim, error) {
	if m.claims == nil {
		return nil, ErrClaimNotFound
	}
	orderNo = strings.TrimSpace(orderNo)
	userID = strings.TrimSpace(userID)
	if orderNo == "" || userID == "" {
		return nil, ErrEventInvalid
	}
	claim, err := m.claims.Claim(orderNo, userID, time.Now())
	if err != nil {
		return nil, err
	}
	if claim == nil {
		return nil, ErrClaimNotFound
	}
	logger.Infow("payment_guest_claim_attached", "order_no", orderNo, "user_id", userID)
	return claim, nil
}
