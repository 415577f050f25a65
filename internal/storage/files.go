package storage

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// FileMetadata describes one uploaded background media file. The bytes
// themselves live in the filestore; this record is what slides reference.
type FileMetadata struct {
	ID         string `msgpack:"id"`
	Hash       string `msgpack:"hash"`
	Name       string `msgpack:"name"`
	MimeType   string `msgpack:"mimeType"`
	Size       int64  `msgpack:"size"`
	CreatedAt  int64  `msgpack:"createdAt"`
	UserID     string `msgpack:"userId"`
	ScheduleID string `msgpack:"scheduleId"`
}

func (f *FileMetadata) Key() []byte {
	return []byte(f.ID)
}

func (f *FileMetadata) MarshalBinary() (data []byte, err error) {
	type alias FileMetadata
	return msgpack.Marshal((*alias)(f))
}

func (f *FileMetadata) UnmarshalBinary(data []byte) error {
	type alias FileMetadata
	return msgpack.Unmarshal(data, (*alias)(f))
}

func (s *BboltStorage) UpsertFileMetadata(meta FileMetadata) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		data, err := meta.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal file metadata: %w", err)
		}
		return b.Put(meta.Key(), data)
	})
}

func (s *BboltStorage) DeleteFileMetadata(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).Delete([]byte(id))
	})
}

// HashInUse reports whether any metadata record still references the hash.
// Identical uploads share one content-addressed blob, so a blob may only be
// removed once the last record pointing at it is gone.
func (s *BboltStorage) HashInUse(hash string) (bool, error) {
	inUse := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(_, v []byte) error {
			var meta FileMetadata
			if err := meta.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to unmarshal file metadata: %w", err)
			}
			if meta.Hash == hash {
				inUse = true
			}
			return nil
		})
	})
	return inUse, err
}

func (s *BboltStorage) GetFileMetadata(id string) (FileMetadata, error) {
	var meta FileMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return meta.UnmarshalBinary(data)
	})
	return meta, err
}
