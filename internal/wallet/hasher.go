package wallet

// LocalHash returns SHA-256 over the raw bytes of the currently persisted
// encrypted_wallet, or (nil, false) if none is persisted (§4.2). It is a
// pure function of the Store and Crypto adapters, with no container state
// of its own — exposed both as a package function for tests and as a
// method for call sites that already hold a *Container.
func LocalHash(store Store, cryptoImpl Crypto) ([]byte, bool) {
	ciphertext, ok := getBytesFromStore(store, keyEncryptedWallet)
	if !ok {
		return nil, false
	}
	hash := cryptoImpl.Hash(ciphertext)
	return hash[:], true
}

// LocalHash returns the current local ciphertext hash, if any.
func (c *Container) LocalHash() ([]byte, bool) {
	return LocalHash(c.store, c.cryptoImpl)
}
