package weaviate

func SetPageSize(s *Store, n int) { s.pageSize = n }
