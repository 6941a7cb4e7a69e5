package storage

var (
	_ Store         = (*BinaryStore)(nil)
	_ Store         = (*WALStore)(nil)
	_ Transactional = (*WALStore)(nil)
	_ Bulk          = (*BinaryStore)(nil)
	_ Bulk          = (*WALStore)(nil)
)
