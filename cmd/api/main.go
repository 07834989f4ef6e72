package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Boinkkk/PASTI-sub000/internal/auth"
	"github.com/Boinkkk/PASTI-sub000/internal/config"
	"github.com/Boinkkk/PASTI-sub000/internal/httpmiddleware"
	"github.com/Boinkkk/PASTI-sub000/internal/queue"
	"github.com/Boinkkk/PASTI-sub000/internal/session"
	"github.com/Boinkkk/PASTI-sub000/internal/share"
	"github.com/Boinkkk/PASTI-sub000/internal/store"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	var repo session.Repository
	var db *store.DB
	if cfg.StoreBackend == "memory" {
		repo = session.NewMemoryRepository()
		log.Println("using in-memory store (STORE_BACKEND=memory)")
	} else {
		var err error
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		repo = session.NewPostgresRepository(db.Client)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:shares")
	}

	svc := session.NewService(repo, cfg.TokenLength)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil || cfg.StoreBackend == "memory"
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Token issuance for the surrounding application's gateway. Identity
	// verification (passwords, SSO) lives there, not here.
	r.POST("/v1/auth/tokens", func(c *gin.Context) {
		var req struct {
			SubjectID string `json:"subject_id" binding:"required"`
			Role      string `json:"role" binding:"required,oneof=student teacher"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tokens, err := auth.Issue(req.SubjectID, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		_ = repo.SaveRefreshToken(c.Request.Context(), req.SubjectID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	studentGroup := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent))

	studentGroup.POST("/attendance/redeem", func(c *gin.Context) {
		var req struct {
			Token string `json:"token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claimsAny, _ := c.Get("claims")
		claims, _ := claimsAny.(auth.Claims)

		result, err := svc.Redeem(c.Request.Context(), req.Token, claims.Subject)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "redemption failed"})
			return
		}
		c.JSON(redeemStatus(result.Outcome), result)
	})

	teacherGroup := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleTeacher))

	teacherGroup.POST("/attendance/sessions", func(c *gin.Context) {
		var req struct {
			MeetingID     string     `json:"meeting_id" binding:"required"`
			OpensAt       time.Time  `json:"opens_at" binding:"required"`
			ClosesAt      *time.Time `json:"closes_at"`
			TotalExpected int        `json:"total_expected"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		created, err := svc.CreateSession(c.Request.Context(), req.MeetingID, req.OpensAt, req.ClosesAt, req.TotalExpected)
		switch {
		case errors.Is(err, session.ErrInvalidTimeRange):
			c.JSON(http.StatusBadRequest, gin.H{"error": "closes_at precedes opens_at"})
		case errors.Is(err, session.ErrTokenSpaceExhausted):
			log.Printf("ALERT: token space exhausted for meeting %s", req.MeetingID)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not allocate a session token"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session creation failed"})
		default:
			c.JSON(http.StatusCreated, created)
		}
	})

	teacherGroup.GET("/attendance/sessions/:id", func(c *gin.Context) {
		sess, err := svc.GetSession(c.Request.Context(), c.Param("id"))
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		records, err := svc.Records(c.Request.Context(), sess.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": sess, "records": records})
	})

	teacherGroup.GET("/attendance/meetings/:meeting_id/sessions", func(c *gin.Context) {
		sessions, err := svc.ListSessionsByMeeting(c.Request.Context(), c.Param("meeting_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	teacherGroup.PATCH("/attendance/sessions/:id", func(c *gin.Context) {
		var req struct {
			IsActive *bool `json:"is_active" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		err := svc.SetActive(c.Request.Context(), c.Param("id"), *req.IsActive)
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case errors.Is(err, session.ErrDuplicateToken):
			c.JSON(http.StatusConflict, gin.H{"error": "token now held by another active session"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		default:
			c.JSON(http.StatusOK, gin.H{"is_active": *req.IsActive})
		}
	})

	teacherGroup.POST("/attendance/sessions/:id/override", func(c *gin.Context) {
		var req struct {
			StudentID string `json:"student_id" binding:"required"`
			Status    string `json:"status" binding:"required"`
			Note      string `json:"note"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		status, err := session.ParseStatus(req.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		rec, err := svc.Override(c.Request.Context(), c.Param("id"), req.StudentID, status, req.Note)
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "override failed"})
		default:
			c.JSON(http.StatusOK, rec)
		}
	})

	teacherGroup.POST("/attendance/sessions/:id/share", func(c *gin.Context) {
		sess, err := svc.GetSession(c.Request.Context(), c.Param("id"))
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}

		payload, err := share.BuildPayload(cfg.PublicBaseURL, sess)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := q.Publish(c.Request.Context(), queue.Message{Type: "share", Body: []byte(sess.ID)}); err != nil {
			log.Printf("queue publish failed: %v", err)
		}

		c.JSON(http.StatusAccepted, payload)
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// redeemStatus maps redemption outcomes to HTTP codes. Idempotent repeats
// stay 200 so clients never retry them as failures.
func redeemStatus(outcome session.Outcome) int {
	switch outcome {
	case session.OutcomeInvalidToken:
		return http.StatusNotFound
	case session.OutcomeSessionClosed:
		return http.StatusConflict
	default:
		return http.StatusOK
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
