package output_storage

// Write implements io.Writer. It stores a copy of p because exec's output
// copier reuses its buffer between writes.
func (s *OutputStorage) Write(p []byte) (int, error) {
	if s == nil {
		return len(p), nil
	}
	if len(p) == 0 {
		return 0, nil
	}

	s.Append(append([]byte(nil), p...))

	return len(p), nil
}
