package muxprom

import "net/http"

// responseRecorder remembers the status and body size a handler produced.
type responseRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (s *responseRecorder) WriteHeader(status int) {
	if s.status == 0 {
		s.status = status
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *responseRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.size += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *responseRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// code is the status label value; handlers that never write report 200.
func (s *responseRecorder) code() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}
