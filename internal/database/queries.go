package database

// Queries use ? placeholders and are rebound per dialect. "user" is quoted
// because it is reserved in PostgreSQL.
const (
	selectUnresolvedQuery = `
		SELECT id, "user", phone, marketplace, time_request
		FROM phone_message
		WHERE phone = ?
		  AND time_response IS NULL
		  AND message IS NULL
		  AND time_request >= ?
		  AND time_request <= ?`

	selectUnresolvedOrder = `
		ORDER BY time_request ASC, id ASC
		LIMIT 1`

	// A row already answered with this code at this response time. The
	// second branch covers responses clamped up to time_request.
	selectResolvedByCodeQuery = `
		SELECT id, "user", phone, marketplace, time_request, time_response, message
		FROM phone_message
		WHERE phone = ?
		  AND message = ?
		  AND time_request >= ?
		  AND time_request <= ?
		  AND (time_response = ? OR (time_response = time_request AND time_request > ?))`

	resolveRequestQuery = `
		UPDATE phone_message
		SET time_response = ?, message = ?
		WHERE id = ?
		  AND time_response IS NULL
		  AND message IS NULL`

	insertRequestQuery = `
		INSERT INTO phone_message ("user", phone, marketplace, time_request, time_response, message)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`

	selectRequestByIDQuery = `
		SELECT id, "user", phone, marketplace, time_request, time_response, message
		FROM phone_message
		WHERE id = ?`

	selectSubscribersQuery = `
		SELECT DISTINCT s.chat_id
		FROM connects c
		JOIN users u ON u."user" = c."user"
		JOIN chat_subscribers s ON s."user" = u."user"
		WHERE c.phone = ?
		  AND u.active = ?
		ORDER BY s.chat_id`

	insertLogQuery = `
		INSERT INTO log (timestamp, timestamp_user, action, "user", ip_address, city, country, proxy, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectVersionsQuery = `
		SELECT version, url
		FROM version`
)
