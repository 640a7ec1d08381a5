package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-dlock/errors"
	"github.com/infigaming-com/go-dlock/lock"
	"github.com/infigaming-com/go-dlock/locker"
)

var (
	errOrderNotFound     = stderrors.New("order not found")
	errOrderCancelled    = stderrors.New("order already cancelled")
	errInsufficientStock = stderrors.New("insufficient stock")
)

type order struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// orderService is the sample workload: order updates serialize on
// order:<id>, stock transfers take stock:<from> and stock:<to> jointly.
type orderService struct {
	lg     *zap.Logger
	guard  *lock.Guard
	locker locker.Locker
	prefix string

	// mu guards the maps only; business invariants rely on the locks.
	mu     sync.Mutex
	orders map[string]*order
	stock  map[string]int64
}

func newOrderService(lg *zap.Logger, guard *lock.Guard, l locker.Locker, prefix string) *orderService {
	return &orderService{
		lg:     lg,
		guard:  guard,
		locker: l,
		prefix: prefix,
		orders: make(map[string]*order),
		stock:  make(map[string]int64),
	}
}

func (s *orderService) Register(r gin.IRouter) {
	r.GET("/orders/:id", s.getOrder)
	r.POST("/orders/:id", s.updateOrder)
	r.POST("/orders/:id/cancel", s.cancelOrder)
	r.GET("/stock/:sku", s.getStock)
	r.PUT("/stock/:sku", s.setStock)
	r.POST("/stock/transfer", s.transfer)
}

func orderKey(id string) string {
	return "order:" + id
}

func stockKey(sku string) string {
	return "stock:" + sku
}

func (s *orderService) load(id string) (order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return order{}, false
	}
	return *o, true
}

func (s *orderService) store(o order) {
	s.mu.Lock()
	s.orders[o.ID] = &o
	s.mu.Unlock()
}

func (s *orderService) getOrder(c *gin.Context) {
	o, ok := s.load(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": errOrderNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, o)
}

type updateOrderRequest struct {
	Status string `json:"status" binding:"required"`
	// Hold keeps the lock for the given duration, simulating slow work.
	Hold time.Duration `json:"hold_ns"`
}

func (s *orderService) updateOrder(c *gin.Context) {
	id := c.Param("id")
	var req updateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	o, err := lock.Execute(c.Request.Context(), s.guard, lock.Policy{
		Name: "order",
		Keys: lock.Keys(orderKey(id)),
	}, order{}, func(ctx context.Context) (order, error) {
		o, _ := s.load(id)
		if o.Status == "cancelled" {
			return order{}, errOrderCancelled
		}
		if req.Hold > 0 {
			select {
			case <-time.After(req.Hold):
			case <-ctx.Done():
				return order{}, ctx.Err()
			}
		}
		o.ID = id
		o.Status = req.Status
		o.Version++
		o.UpdatedAt = time.Now()
		s.store(o)
		return o, nil
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	if o.ID == "" {
		c.JSON(http.StatusAccepted, gin.H{"message": "order busy, update skipped"})
		return
	}
	c.JSON(http.StatusOK, o)
}

// cancelOrder takes the same order lock through the locker facade; the
// prefixed key matches the one the guard builds.
func (s *orderService) cancelOrder(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	unlock, err := s.locker.TryLock(ctx, s.prefix+":"+orderKey(id))
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer func() { _ = unlock(context.WithoutCancel(ctx)) }()

	o, ok := s.load(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": errOrderNotFound.Error()})
		return
	}
	o.Status = "cancelled"
	o.Version++
	o.UpdatedAt = time.Now()
	s.store(o)
	c.JSON(http.StatusOK, o)
}

func (s *orderService) getStock(c *gin.Context) {
	sku := c.Param("sku")
	s.mu.Lock()
	qty, ok := s.stock[sku]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "unknown sku"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sku": sku, "quantity": qty})
}

type setStockRequest struct {
	Quantity int64 `json:"quantity"`
}

func (s *orderService) setStock(c *gin.Context) {
	sku := c.Param("sku")
	var req setStockRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Quantity < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "quantity must be >= 0"})
		return
	}
	err := s.guard.Do(c.Request.Context(), lock.Policy{
		Name: "stock",
		Keys: lock.Keys(stockKey(sku)),
	}, func(context.Context) error {
		s.mu.Lock()
		s.stock[sku] = req.Quantity
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sku": sku, "quantity": req.Quantity})
}

type transferRequest struct {
	From     string `json:"from" binding:"required"`
	To       string `json:"to" binding:"required"`
	Quantity int64  `json:"quantity" binding:"required,gt=0"`
}

func (s *orderService) transfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if req.From == req.To {
		c.JSON(http.StatusBadRequest, gin.H{"message": "from and to must differ"})
		return
	}

	err := s.guard.Do(c.Request.Context(), lock.Policy{
		Name: "stock-transfer",
		Keys: lock.Keys(stockKey(req.From), stockKey(req.To)),
	}, func(context.Context) error {
		s.mu.Lock()
		from := s.stock[req.From]
		s.mu.Unlock()
		if from < req.Quantity {
			return errInsufficientStock
		}
		s.mu.Lock()
		s.stock[req.From] = from - req.Quantity
		s.stock[req.To] += req.Quantity
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"from": req.From, "to": req.To, "quantity": req.Quantity})
}

func (s *orderService) writeError(c *gin.Context, err error) {
	body := gin.H{"message": err.Error()}
	if code := errors.CodeOf(err); code != 0 {
		body["code"] = code
	}
	switch {
	case stderrors.Is(err, errOrderNotFound):
		c.JSON(http.StatusNotFound, body)
	case stderrors.Is(err, errOrderCancelled), stderrors.Is(err, errInsufficientStock):
		c.JSON(http.StatusUnprocessableEntity, body)
	case stderrors.Is(err, lock.ErrLockNotAcquired), stderrors.Is(err, lock.ErrRetriesExhausted):
		c.JSON(http.StatusConflict, body)
	case stderrors.Is(err, lock.ErrProviderUnavailable), stderrors.Is(err, lock.ErrCancelled):
		c.JSON(http.StatusServiceUnavailable, body)
	case stderrors.Is(err, lock.ErrInvalidLockKey), stderrors.Is(err, lock.ErrInvalidJointRequest):
		c.JSON(http.StatusBadRequest, body)
	default:
		s.lg.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, body)
	}
}
