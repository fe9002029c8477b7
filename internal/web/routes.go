package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/rollcall/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	// Create handlers
	studentsHandler := handlers.NewStudentsHandler(s.config, s.encoder)
	attendanceHandler := handlers.NewAttendanceHandler(s.service)
	sessionsHandler := handlers.NewSessionsHandler(s.recognizer)
	leavesHandler := handlers.NewLeavesHandler(s.service)
	recognizeHandler := handlers.NewRecognizeHandler(s.recognizer)
	syncHandler := handlers.NewSyncHandler(s.config, s.jobManager, s.encoder)

	// Health check
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		// Students
		r.Post("/students", studentsHandler.Register)
		r.Get("/students", studentsHandler.List)
		r.Get("/students/{studentID}", studentsHandler.Get)
		r.Put("/students/{studentID}", studentsHandler.Update)
		r.Delete("/students/{studentID}", studentsHandler.Delete)
		r.Post("/students/{studentID}/portrait", studentsHandler.UploadPortrait)
		r.Get("/students/{studentID}/similar", studentsHandler.Similar)

		// Attendance records
		r.Get("/attendance", attendanceHandler.List)
		r.Post("/attendance/mark", attendanceHandler.Mark)
		r.Get("/attendance/export", attendanceHandler.Export)
		r.Patch("/attendance/{id}/status", attendanceHandler.SetStatus)
		r.Post("/attendance/{id}/timeout", attendanceHandler.TimeOut)
		r.Delete("/attendance/{id}", attendanceHandler.Delete)

		// Class sessions
		r.Get("/sessions", sessionsHandler.List)
		r.Post("/sessions", sessionsHandler.Create)
		r.Post("/sessions/{id}/activate", sessionsHandler.Activate)

		// Leave requests
		r.Post("/leaves", leavesHandler.Create)
		r.Get("/leaves", leavesHandler.List)
		r.Post("/leaves/{id}/review", leavesHandler.Review)

		// Live recognition
		r.Post("/recognize", recognizeHandler.Recognize)
		r.Post("/recognize/preview", recognizeHandler.Preview)
		r.Get("/recognize/events", recognizeHandler.Events)
		r.Post("/gallery/refresh", recognizeHandler.GalleryRefresh)
		r.Get("/gallery", recognizeHandler.Gallery)

		// Roster sync (long-running operations)
		r.Post("/sync", syncHandler.Start)
		r.Get("/sync/{jobId}", syncHandler.Status)
		r.Get("/sync/{jobId}/events", syncHandler.Events)
		r.Delete("/sync/{jobId}", syncHandler.Cancel)
	})
}
