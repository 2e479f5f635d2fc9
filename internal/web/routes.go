package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-attendance/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	tasksHandler := handlers.NewTasksHandler(s.orchestrator)
	attendanceHandler := handlers.NewAttendanceHandler(s.ledger)
	identitiesHandler := handlers.NewIdentitiesHandler(s.store, s.templates)

	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Pipeline submission (async, poll the task for the result)
		r.Post("/enroll", tasksHandler.Enroll)
		r.Post("/verify", tasksHandler.Verify)
		r.Get("/tasks/{id}", tasksHandler.Status)

		// Attendance
		r.Get("/attendance/records", attendanceHandler.Records)
		r.Get("/attendance/summaries", attendanceHandler.Summaries)

		// Identities
		r.Get("/identities/{id}/faces", identitiesHandler.Faces)
		r.Delete("/identities/{id}", identitiesHandler.Delete)
	})
}
