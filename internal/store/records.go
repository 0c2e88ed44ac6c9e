package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chaz8081/buzztag/internal/models"
)

// LoadPeers returns every saved peer in first-seen order.
func (s *Store) LoadPeers() ([]models.PeerDevice, error) {
	rows, err := s.db.Query(
		`SELECT peer_id, display_name, rssi, has_rssi, first_seen_at, verified
		FROM peers
		ORDER BY first_seen_at, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query peers: %w", err)
	}
	defer rows.Close()

	var peers []models.PeerDevice
	for rows.Next() {
		var (
			p                 models.PeerDevice
			hasRSSI, verified int
			firstSeen         int64
		)
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.RSSI, &hasRSSI, &firstSeen, &verified); err != nil {
			return nil, fmt.Errorf("store: scan peer: %w", err)
		}
		p.HasRSSI = hasRSSI != 0
		p.Verified = verified != 0
		p.FirstSeenAt = time.UnixMilli(firstSeen)
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate peers: %w", err)
	}
	return peers, nil
}

// SavePeers replaces the saved peer list with peers.
func (s *Store) SavePeers(peers []models.PeerDevice) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin save peers: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM peers`); err != nil {
		return fmt.Errorf("store: clear peers: %w", err)
	}
	for _, p := range peers {
		if p.ID == "" {
			continue
		}
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO peers (
				peer_id, display_name, rssi, has_rssi, first_seen_at, verified
			) VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID,
			p.DisplayName,
			p.RSSI,
			boolToInt(p.HasRSSI),
			p.FirstSeenAt.UnixMilli(),
			boolToInt(p.Verified),
		)
		if err != nil {
			return fmt.Errorf("store: insert peer %q: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit peers: %w", err)
	}
	return nil
}

// LoadConversation returns the messages exchanged with peerID in insertion
// order. An unknown peer has an empty conversation.
func (s *Store) LoadConversation(peerID string) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT message_id, peer_id, text, direction, timestamp
		FROM messages
		WHERE peer_id = ?
		ORDER BY seq`,
		peerID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query messages for %q: %w", peerID, err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var (
			m         models.Message
			direction string
			ts        int64
		)
		if err := rows.Scan(&m.ID, &m.PeerID, &m.Text, &direction, &ts); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.Direction = models.Direction(direction)
		m.Timestamp = time.UnixMilli(ts)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return msgs, nil
}

// SaveConversation replaces the saved conversation with peerID.
func (s *Store) SaveConversation(peerID string, msgs []models.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin save conversation: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM messages WHERE peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("store: clear conversation %q: %w", peerID, err)
	}
	for _, m := range msgs {
		if m.Direction != models.Outbound && m.Direction != models.Inbound {
			return fmt.Errorf("store: message %q: invalid direction %q", m.ID, m.Direction)
		}
		_, err := tx.Exec(
			`INSERT INTO messages (message_id, peer_id, text, direction, timestamp)
			VALUES (?, ?, ?, ?, ?)`,
			m.ID,
			peerID,
			m.Text,
			string(m.Direction),
			m.Timestamp.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("store: insert message %q: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit conversation: %w", err)
	}
	return nil
}

// DeleteConversation removes every message exchanged with peerID.
func (s *Store) DeleteConversation(peerID string) error {
	if _, err := s.db.Exec(`DELETE FROM messages WHERE peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("store: delete conversation %q: %w", peerID, err)
	}
	return nil
}

// LoadSettings returns the saved settings. ok is false, with the defaults,
// if none were saved yet.
func (s *Store) LoadSettings() (settings models.Settings, ok bool, err error) {
	var encryption, sounds, haptics, autoSave int
	err = s.db.QueryRow(
		`SELECT encryption_enabled, sounds_enabled, haptics_enabled, auto_save
		FROM settings
		WHERE id = 1`,
	).Scan(&encryption, &sounds, &haptics, &autoSave)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultSettings(), false, nil
	}
	if err != nil {
		return models.Settings{}, false, fmt.Errorf("store: query settings: %w", err)
	}
	return models.Settings{
		EncryptionEnabled: encryption != 0,
		SoundsEnabled:     sounds != 0,
		HapticsEnabled:    haptics != 0,
		AutoSave:          autoSave != 0,
	}, true, nil
}

// SaveSettings stores settings.
func (s *Store) SaveSettings(settings models.Settings) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (id, encryption_enabled, sounds_enabled, haptics_enabled, auto_save)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			encryption_enabled = excluded.encryption_enabled,
			sounds_enabled = excluded.sounds_enabled,
			haptics_enabled = excluded.haptics_enabled,
			auto_save = excluded.auto_save`,
		boolToInt(settings.EncryptionEnabled),
		boolToInt(settings.SoundsEnabled),
		boolToInt(settings.HapticsEnabled),
		boolToInt(settings.AutoSave),
	)
	if err != nil {
		return fmt.Errorf("store: save settings: %w", err)
	}
	return nil
}
