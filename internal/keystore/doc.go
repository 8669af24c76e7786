// Package keystore is the encrypted custody layer for agent signing keys.
//
// A key file holds one versioned JSON record with five fields (version, salt,
// iv, ciphertext, authTag); binary fields are base64. The symmetric key is
// derived per operation from the passphrase and the record's salt with
// argon2id and is never cached. The file must be mode 0600; anything else is
// rejected before its contents are read.
//
// Decrypted key bytes are handed to a LocalSigner, which keeps them in a
// secret.Buffer, and the transient plaintext is zeroed on every return path.
package keystore
